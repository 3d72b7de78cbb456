package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound                = errors.New("resource not found")
	ErrNoUnassignedCertificate = errors.New("no unassigned certificate available")
	ErrDataIntegrity           = errors.New("write affected an unexpected number of rows")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInternal                = errors.New("internal server error")
)

// Severity classifies an error for callers that need to decide between
// retrying, giving up, or treating the outcome as an expected business result.
type Severity int

const (
	// SeverityFatal is a terminal failure: the operation cannot succeed as given.
	SeverityFatal Severity = iota
	// SeverityTransient is a provider/transport hiccup that may succeed on retry.
	SeverityTransient
	// SeverityAcceptable is a definitive business outcome (declined payment,
	// expired token) that is not a system fault and must not be retried.
	SeverityAcceptable
)

func (s Severity) String() string {
	switch s {
	case SeverityTransient:
		return "transient"
	case SeverityAcceptable:
		return "acceptable"
	default:
		return "fatal"
	}
}

// Error is the structured application error. Code is an internal numeric code
// used for operator correlation in logs and support tickets.
type Error struct {
	Code     int
	Severity Severity
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a structured error with an internal code and severity.
func New(code int, severity Severity, message string) *Error {
	return &Error{Code: code, Severity: severity, Message: message}
}

// Newf is New with a formatted message.
func Newf(code int, severity Severity, format string, args ...any) *Error {
	return &Error{Code: code, Severity: severity, Message: fmt.Sprintf(format, args...)}
}

// WrapCode wraps err with an internal code and severity.
func WrapCode(err error, code int, severity Severity, message string) *Error {
	return &Error{Code: code, Severity: severity, Message: message, Err: err}
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// SeverityOf extracts the severity from an error chain. Unclassified errors
// are fatal.
func SeverityOf(err error) Severity {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity
	}
	return SeverityFatal
}

// IsAcceptable reports whether the error is an expected business outcome
// rather than a system failure.
func IsAcceptable(err error) bool {
	return err != nil && SeverityOf(err) == SeverityAcceptable
}

// CodeOf extracts the internal code from an error chain, or -1.
func CodeOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return -1
}
