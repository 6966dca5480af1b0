package gateway

import (
	"errors"
	"fmt"
)

// Kinds of failure. Every *Error carries exactly one of them so callers can
// branch with errors.Is without inspecting messages.
var (
	// ErrUnknownOperation is returned when no handler is bound to an operation name.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrDuplicateRegistration is returned when an operation name is bound twice.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrInvalidArgument is returned for malformed topics or arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConfiguration is returned for interceptor or registry misconfiguration.
	ErrConfiguration = errors.New("configuration error")
	// ErrHandlerFailure wraps any failure raised by a handler itself.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrClosed is returned by a bus that has been closed.
	ErrClosed = errors.New("gateway: bus closed")
	// ErrSubscriptionClosed is returned by Next once a handle is cancelled.
	ErrSubscriptionClosed = errors.New("gateway: subscription closed")
)

// GraphQL extension codes, aligned with Apollo conventions.
const (
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
	CodeBadUserInput        = "BAD_USER_INPUT"
	CodeUnknownOperation    = "UNKNOWN_OPERATION"
	CodeConfiguration       = "CONFIGURATION_ERROR"
)

// Error is a structured failure returned at the engine boundary. Message is
// safe to show to callers; the wrapped cause is kept for logs only.
type Error struct {
	Kind       error
	Code       string
	Operation  string
	Message    string
	Extensions map[string]any
	cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Operation == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Operation, msg)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// WithOperation returns a copy of e tagged with the operation name.
func (e *Error) WithOperation(op string) *Error {
	cp := *e
	cp.Operation = op
	return &cp
}

// WithMeta adds a single k/v to extensions (copy-on-write).
func (e *Error) WithMeta(k string, v any) *Error {
	cp := *e
	cp.Extensions = copyExt(e.Extensions)
	cp.Extensions[k] = v
	return &cp
}

// NewError builds an Error of the given kind. Code defaults from the kind.
func NewError(kind error, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    codeFor(kind),
		Message: message,
		cause:   cause,
	}
}

// InvalidArgument reports a malformed topic or argument.
func InvalidArgument(format string, args ...any) *Error {
	return NewError(ErrInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// ConfigurationError reports a registration-time misconfiguration.
func ConfigurationError(format string, args ...any) *Error {
	return NewError(ErrConfiguration, fmt.Sprintf(format, args...), nil)
}

// UserInputError is the handler-side failure for rejected input, the
// equivalent of Apollo's UserInputError.
func UserInputError(message string) *Error {
	e := NewError(ErrHandlerFailure, message, nil)
	e.Code = CodeBadUserInput
	return e
}

// AsError converts any error into an *Error tagged with op. Errors that are
// already structured keep their kind and code; anything else becomes a
// HandlerFailure.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		if ge.Operation != "" {
			return ge
		}
		return ge.WithOperation(op)
	}
	e := NewError(ErrHandlerFailure, err.Error(), err)
	e.Operation = op
	return e
}

// CodeOf extracts the extension code, if present.
func CodeOf(err error) (string, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return "", false
}

func codeFor(kind error) string {
	switch {
	case errors.Is(kind, ErrUnknownOperation):
		return CodeUnknownOperation
	case errors.Is(kind, ErrInvalidArgument):
		return CodeBadUserInput
	case errors.Is(kind, ErrConfiguration), errors.Is(kind, ErrDuplicateRegistration):
		return CodeConfiguration
	default:
		return CodeInternalServerError
	}
}

func copyExt(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
