package internal

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindPrecondition
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	default:
		return "internal"
	}
}

const internalErrorMessage = "internal server error"

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrQueueFull         = errors.New("connection queue full")
	ErrCanvasNotFound    = errors.New("canvas not found")
)

// EventError is returned by event handlers. Message is what the sender sees;
// internal errors are never shown verbatim.
type EventError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *EventError) Unwrap() error {
	return e.Err
}

// Public returns the message safe to send to the client.
func (e *EventError) Public() string {
	if e.Kind == KindInternal {
		return internalErrorMessage
	}
	return e.Message
}

func validationError(format string, args ...any) *EventError {
	return &EventError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func preconditionError(format string, args ...any) *EventError {
	return &EventError{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func internalError(msg string, err error) *EventError {
	return &EventError{Kind: KindInternal, Message: msg, Err: err}
}

// classify maps any handler error onto an EventError.
func classify(err error) *EventError {
	var ee *EventError
	if errors.As(err, &ee) {
		return ee
	}
	return internalError("unexpected failure", err)
}
