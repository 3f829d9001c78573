package dht

import (
	"errors"
	"fmt"
)

var (
	// ErrQueryTimeout is delivered to a transaction that got no reply in time.
	ErrQueryTimeout = errors.New("query timed out")
	// ErrCancelled is delivered to transactions still pending at disconnect.
	ErrCancelled = errors.New("query cancelled")
	// ErrUnknownTransaction labels replies that match no pending query.
	// Such replies are dropped; callers never receive this error.
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrTransactionsExhausted is returned when every transaction id is in use.
	ErrTransactionsExhausted = errors.New("no free transaction id")
	// ErrBootstrapFailed is returned when no bootstrap node answered.
	ErrBootstrapFailed = errors.New("bootstrap failed")
	// ErrInvalidState is returned when an operation is not allowed in the
	// current engine state.
	ErrInvalidState = errors.New("invalid engine state")
	// ErrEngineClosed is returned for work submitted during or after
	// disconnect.
	ErrEngineClosed = errors.New("engine closed")
)

// BootstrapError records why one bootstrap endpoint could not be used.
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// StateError reports an operation attempted in the wrong engine state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: engine is %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
