package mt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error for transport mapping.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindInvariant    ErrorKind = "invariant"
	KindExternal     ErrorKind = "external"
)

// Machine readable error codes returned to clients.
const (
	CodeAgentInactive       = "AGENT_INACTIVE"
	CodeBountyNotOpen       = "BOUNTY_NOT_OPEN"
	CodeDeadlinePassed      = "DEADLINE_PASSED"
	CodeTypeMismatch        = "TYPE_MISMATCH"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeBlockedContent      = "BLOCKED_CONTENT"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodePayoutFailed        = "PAYOUT_FAILED"
	CodePayoutInProgress    = "PAYOUT_IN_PROGRESS"
	CodeValidationFailed    = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
)

// Sentinel errors returned (wrapped) by Store implementations.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Error is the typed error surfaced by domain operations.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail returns e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) withCode(code string) *Error {
	e.Code = code
	return e
}

func newError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidationError is a caller input problem.
func ValidationError(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

// ConflictError is a uniqueness or state conflict.
func ConflictError(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// NotFoundError reports a missing entity.
func NotFoundError(entity, id string) *Error {
	return newError(KindNotFound, CodeNotFound, "%s %s not found", entity, id).WithDetail("id", id)
}

// ForbiddenError reports an authenticated caller acting outside its rights.
func ForbiddenError(format string, args ...any) *Error {
	return newError(KindForbidden, CodeForbidden, format, args...)
}

// UnauthorizedError reports a missing or bad credential.
func UnauthorizedError(code, format string, args ...any) *Error {
	return newError(KindUnauthorized, code, format, args...)
}

// InvalidTransition reports a state machine guard that did not hold.
func InvalidTransition(format string, args ...any) *Error {
	return newError(KindInvariant, CodeInvalidTransition, format, args...)
}

// ExternalError wraps a collaborator failure.
func ExternalError(code string, err error, format string, args ...any) *Error {
	e := newError(KindExternal, code, format, args...)
	e.Err = err
	return e
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
