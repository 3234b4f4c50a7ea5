package main

import (
	"errors"

	"github.com/fenwick-labs/searchcore/internal/corerr"
)

// isTimeout reports whether err is (or wraps) corerr.Timeout, for the
// exit-code contract of spec.md §6.
func isTimeout(err error) bool {
	return errors.Is(err, corerr.Timeout)
}
