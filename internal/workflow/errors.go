package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes workflow errors.
type ErrorCode string

const (
	// ErrCodeAmbiguousOutput indicates two processes declare the same output.
	ErrCodeAmbiguousOutput ErrorCode = "AMBIGUOUS_OUTPUT"

	// ErrCodeCircularDependency indicates a cycle among processes.
	ErrCodeCircularDependency ErrorCode = "CIRCULAR_DEPENDENCY"

	// ErrCodeAmbiguousConnection indicates a process's resources span more
	// than one database.
	ErrCodeAmbiguousConnection ErrorCode = "AMBIGUOUS_CONNECTION"

	// ErrCodeUnsupportedResource indicates a processor cannot act on one of
	// the process's resources.
	ErrCodeUnsupportedResource ErrorCode = "UNSUPPORTED_RESOURCE"

	// ErrCodeProcessFailed indicates the code of a process ran and failed.
	ErrCodeProcessFailed ErrorCode = "PROCESS_FAILED"

	// ErrCodeUnsatisfiable indicates an input has no producer and does not exist.
	ErrCodeUnsatisfiable ErrorCode = "UNSATISFIABLE_DEPENDENCY"

	// ErrCodeDuplicateProcess indicates two processes share an id.
	ErrCodeDuplicateProcess ErrorCode = "DUPLICATE_PROCESS"

	// ErrCodeInvalidProcess indicates a process is missing required fields.
	ErrCodeInvalidProcess ErrorCode = "INVALID_PROCESS"
)

// Error is returned by graph construction, static checks and process
// execution. Message always names the offending process or address.
type Error struct {
	Code    ErrorCode
	Message string

	// ProcessID identifies the process concerned, if any.
	ProcessID string

	// Address identifies the resource concerned, if any.
	Address string

	// Cycle lists process ids along a circular dependency, first id repeated
	// at the end.
	Cycle []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) *Error {
	return &Error{
		Code:    ErrCodeCircularDependency,
		Message: "circular dependency between processes: " + strings.Join(path, " -> "),
		Cycle:   path,
	}
}

// Is matches any *Error with the same code, so errors.Is finds a code
// anywhere in a joined error tree.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// HasCode reports whether err, or any error it wraps or joins, is an *Error
// with the given code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

// IsAmbiguousOutput reports whether err is an AMBIGUOUS_OUTPUT error.
func IsAmbiguousOutput(err error) bool { return HasCode(err, ErrCodeAmbiguousOutput) }

// IsCircularDependency reports whether err is a CIRCULAR_DEPENDENCY error.
func IsCircularDependency(err error) bool { return HasCode(err, ErrCodeCircularDependency) }

// IsAmbiguousConnection reports whether err is an AMBIGUOUS_CONNECTION error.
func IsAmbiguousConnection(err error) bool { return HasCode(err, ErrCodeAmbiguousConnection) }

// IsUnsupportedResource reports whether err is an UNSUPPORTED_RESOURCE error.
func IsUnsupportedResource(err error) bool { return HasCode(err, ErrCodeUnsupportedResource) }

// IsProcessFailed reports whether err is a PROCESS_FAILED error.
func IsProcessFailed(err error) bool { return HasCode(err, ErrCodeProcessFailed) }

// IsUnsatisfiable reports whether err is an UNSATISFIABLE_DEPENDENCY error.
func IsUnsatisfiable(err error) bool { return HasCode(err, ErrCodeUnsatisfiable) }
