package outbox

import (
	"errors"
	"fmt"
)

// ErrBudgetExhausted marks a mutation dropped because its retry budget ran
// out. It never aborts a pass; consumers see it in journal details and
// webhook payloads.
var ErrBudgetExhausted = errors.New("outbox: retry budget exhausted")

// StorageError reports that the durable ledger could not serve an
// operation. It always surfaces to the caller: silently losing a queued
// mutation would break the at-least-once guarantee, so callers must get
// the chance to alert or halt.
type StorageError struct {
	Op    string // "enqueue", "list", "remove", ...
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("outbox: storage %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }
