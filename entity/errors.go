package entity

import "fmt"

// FailRun is the unrecoverable class of pipeline error: a configuration
// or wiring fault (unregistered definitions, missing hashes, embedding
// model mismatches) where continuing would corrupt the collection.
// Per-entity processing errors are NOT FailRun; workers isolate those
// and the run continues.
type FailRun struct {
	Reason string
	Cause  error
}

func (e *FailRun) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sync failure: %s: %v", e.Reason, e.Cause)
	}
	return "sync failure: " + e.Reason
}

func (e *FailRun) Unwrap() error { return e.Cause }

// FailRunf builds a FailRun with a formatted reason.
func FailRunf(format string, args ...any) *FailRun {
	return &FailRun{Reason: fmt.Sprintf(format, args...)}
}
