// Package corerr defines the error kinds of spec.md §7 as sentinel values.
// Call sites wrap the sentinel with context via fmt.Errorf("...: %w", ...)
// and classify with errors.Is, in place of a typed exception hierarchy.
package corerr

import "errors"

var (
	// TransientIO marks a broker or store timeout/disconnect. Retried with
	// exponential backoff before escalating to TaskFailure.
	TransientIO = errors.New("transient i/o error")

	// ParseError marks a malformed input line or payload. The offending
	// record is dropped; it never fails the owning task.
	ParseError = errors.New("parse error")

	// SchemaViolation marks a structurally invalid value (oversize term,
	// missing required field). Dropping the value is the caller's choice.
	SchemaViolation = errors.New("schema violation")

	// TaskFailure marks a handler failure after a claimed task. Reducer
	// tasks are requeued up to the retry cap, then dead-lettered;
	// PageRank-worker tasks are requeued with no cap and are never
	// dead-lettered; mapper tasks are acked (dropped) instead, per policy.
	TaskFailure = errors.New("task failure")

	// IntegrityViolation marks a post-phase invariant breach (e.g. a
	// rank-vector size mismatch). Fatal: the controller aborts and leaves
	// state intact for inspection.
	IntegrityViolation = errors.New("integrity violation")

	// Timeout marks a phase that exceeded its wall-clock budget. Fatal,
	// same policy as IntegrityViolation.
	Timeout = errors.New("phase timeout")
)
