package kstream

import (
	"fmt"

	"github.com/estuary/kstream/internal/krist"
)

// SendError is surfaced to onSendFailure for a well-formed {ok:false}
// response from /transactions/, per spec §7. It is not retried
// automatically — once onSendFailure returns without error, the outbox
// worker removes the entry from the head of the outbox.
type SendError struct {
	*krist.APIError
}

// FatalError marks a schema/consistency violation or filesystem error
// that leaves the stream corrupt: the caller must stop and reopen, per
// spec §7.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("kstream: fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}
