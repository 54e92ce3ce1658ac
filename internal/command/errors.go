package command

import (
	"errors"
	"fmt"
)

// ErrUnhandledCommand matches every *UnhandledCommandError.
var ErrUnhandledCommand = errors.New("unhandled command")

// UnhandledCommandError is the result of a command whose type resolved
// to no handlers.
type UnhandledCommandError struct {
	CommandType string
}

func (e *UnhandledCommandError) Error() string {
	return fmt.Sprintf("UNHANDLED_COMMAND: no handlers for command type %q", e.CommandType)
}

func (e *UnhandledCommandError) Is(target error) bool {
	return target == ErrUnhandledCommand
}

// PanicError is the result of a command whose handler panicked.
type PanicError struct {
	CommandType string
	Value       any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked on %s: %v", e.CommandType, e.Value)
}

// IsUnhandled reports whether err is an unhandled command error.
func IsUnhandled(err error) bool {
	var ue *UnhandledCommandError
	return errors.As(err, &ue)
}
