package client

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrSignalingProtocol = errors.New("signaling protocol violation")
	ErrCapability        = errors.New("peer connection operation failed")
	ErrSessionClosed     = errors.New("session closed")
	ErrNoLocalMedia      = errors.New("no local media")
	ErrNotConnected      = errors.New("not connected")
	ErrJoinRejected      = errors.New("join rejected")
)

// NegotiationError describes a failed session operation. Err wraps one of
// the sentinel errors above together with the underlying cause.
type NegotiationError struct {
	Op    string
	State State
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func newError(op string, state State, kind, cause error) *NegotiationError {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &NegotiationError{Op: op, State: state, Err: err}
}
