package ops

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Progress logs one structured progress line for a controller phase
// transition, matching spec.md §7's "controllers print structured progress
// (round, phase, duration, diff)".
func Progress(round int, phase string, duration time.Duration, diff float64) {
	log.WithFields(log.Fields{
		"round":    round,
		"phase":    phase,
		"duration": duration.String(),
		"diff":     diff,
	}).Info("phase complete")
}

// Abort logs the cause and offending key of a fatal controller abort
// (IntegrityViolation or Timeout), per spec.md §7.
func Abort(cause error, key string) {
	log.WithFields(log.Fields{
		"cause": cause.Error(),
		"key":   key,
	}).Error("aborting: fatal condition")
}
