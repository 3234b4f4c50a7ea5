package broker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/corerr"
)

// backoff implements spec.md §4.1's retry policy: initial 1s, factor 2,
// at least 3 attempts before surfacing failure. attempt is zero-based.
func backoff(attempt int) time.Duration {
	var d = time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// WithRetry retries fn against a possibly-unreachable broker with
// exponential backoff, escalating to corerr.TaskFailure (wrapping the last
// TransientIO error) after attempts are exhausted. attempts defaults to 3
// when <= 0, per spec.md §4.1.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		log.WithFields(log.Fields{"attempt": attempt, "error": err}).Debug("broker op failed, retrying")
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", corerr.TaskFailure, attempts, err)
}
