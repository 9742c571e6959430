package history

import (
	"errors"

	"github.com/joeycumines/navhist/internal/codec"
)

// Script-visible error names.
const (
	NameSecurityError  = "SecurityError"
	NameDataCloneError = "DataCloneError"
)

// Error is an error raised to script, named the way script sees it.
type Error struct {
	Name    string // e.g. SecurityError
	Message string
	Cause   error
}

var (
	// ErrSecurity matches every SecurityError.
	ErrSecurity = &Error{Name: NameSecurityError}

	// ErrDataClone matches every DataCloneError.
	ErrDataClone = &Error{Name: NameDataCloneError}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same name.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Name == t.Name
	}
	return false
}

func securityError(message string, cause error) *Error {
	return &Error{Name: NameSecurityError, Message: message, Cause: cause}
}

// serializeError names codec rejections as DataCloneError and passes any
// other failure (such as an exception thrown by a getter) through unchanged.
func serializeError(err error) error {
	if errors.Is(err, codec.ErrDataClone) {
		return &Error{Name: NameDataCloneError, Message: err.Error(), Cause: err}
	}
	return err
}
