package scan

import (
	"errors"
	"fmt"
)

// AbortError describes why a Process run was abandoned without committing.
//
// Aborts are consistency violations, not failures of the machinery: Process
// reports them by returning false with a nil error, and keeps the details
// available through State.LastAbort.
type AbortError struct {
	// Code identifies the abort category.
	Code AbortCode

	// Message is a human-readable description.
	Message string

	// Session is the id of the aborted run.
	Session string

	// Height of the block being scanned, or -1 before the replay started.
	Height int32

	// Err is the underlying rejection, if any.
	Err error
}

// AbortCode categorizes aborts.
type AbortCode string

const (
	// ErrCodeDoubleSpend indicates the matcher saw a spend the ledger did
	// not account for.
	ErrCodeDoubleSpend AbortCode = "DOUBLE_SPEND"

	// ErrCodeLedgerRejected indicates the ledger refused an entry.
	ErrCodeLedgerRejected AbortCode = "LEDGER_REJECTED"

	// ErrCodeChainRejected indicates a header did not extend the working
	// chain view.
	ErrCodeChainRejected AbortCode = "CHAIN_REJECTED"

	// ErrCodeNoFork indicates the local view shares no block with the
	// authoritative chain.
	ErrCodeNoFork AbortCode = "NO_FORK"
)

// Error implements the error interface.
func (e *AbortError) Error() string {
	msg := fmt.Sprintf("%s: %s (session=%s", e.Code, e.Message, e.Session)
	if e.Height >= 0 {
		msg += fmt.Sprintf(", height=%d", e.Height)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying rejection.
func (e *AbortError) Unwrap() error {
	return e.Err
}

// IsDoubleSpend returns true if err is a double-spend abort.
// Uses errors.As to handle wrapped errors.
func IsDoubleSpend(err error) bool {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeDoubleSpend
	}
	return false
}

// IsLedgerRejected returns true if err is a ledger rejection abort.
func IsLedgerRejected(err error) bool {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeLedgerRejected
	}
	return false
}
