package apierr

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// Kind identifies a variant of the API error taxonomy.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindMethodNotAllowed   Kind = "method_not_allowed"
	KindConflict           Kind = "conflict"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindUnprocessable      Kind = "unprocessable_entity"
	KindTooManyRequests    Kind = "too_many_requests"
	KindInternal           Kind = "internal"
	KindServiceUnavailable Kind = "service_unavailable"
)

const (
	defaultInternalTitle    = "Internal Server Error"
	defaultUnavailableTitle = "Service Unavailable"
)

var kindStatus = map[Kind]int{
	KindBadRequest:         http.StatusBadRequest,
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindMethodNotAllowed:   http.StatusMethodNotAllowed,
	KindConflict:           http.StatusConflict,
	KindPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	KindUnprocessable:      http.StatusUnprocessableEntity,
	KindTooManyRequests:    http.StatusTooManyRequests,
	KindInternal:           http.StatusInternalServerError,
	KindServiceUnavailable: http.StatusServiceUnavailable,
}

// Status returns the HTTP status fixed for k, or 500 for unknown kinds.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a failure that maps onto exactly one HTTP response.
//
// Title is the caller-facing message, Details is a free-form payload that is
// rendered next to it. Cause is kept for logs only and never serialized.
type Error struct {
	Kind    Kind
	Status  int
	Title   string
	Details any
	Cause   error

	pcs []uintptr
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil && e.Cause.Error() != e.Title {
		return e.Title + ": " + e.Cause.Error()
	}
	return e.Title
}

func (e *Error) Unwrap() error { return e.Cause }

// StackPCs exposes the stack captured at construction so the logger can render it.
func (e *Error) StackPCs() []uintptr { return e.pcs }

// IsInternal reports whether e is the internal variant, whose cause is hidden from callers.
func (e *Error) IsInternal() bool { return e != nil && e.Kind == KindInternal }

// New builds an Error of the given kind. The status is derived from the kind.
func New(kind Kind, title string, details any) *Error {
	return newErr(kind, title, details, nil)
}

// Wrap builds an Error of the given kind carrying cause for the logs.
func Wrap(kind Kind, cause error, title string, details any) *Error {
	return newErr(kind, title, details, cause)
}

func newErr(kind Kind, title string, details any, cause error) *Error {
	e := &Error{
		Kind:    kind,
		Status:  ValidStatus(kind.Status()),
		Title:   title,
		Details: details,
		Cause:   cause,
	}
	e.pcs = xerrors.Callers(1)
	return e
}

func BadRequest(title string, details any) *Error { return New(KindBadRequest, title, details) }

func Unauthorized(title string, details any) *Error { return New(KindUnauthorized, title, details) }

func Forbidden(title string, details any) *Error { return New(KindForbidden, title, details) }

func NotFound(title string, details any) *Error { return New(KindNotFound, title, details) }

func MethodNotAllowed(title string, details any) *Error {
	return New(KindMethodNotAllowed, title, details)
}

func Conflict(title string, details any) *Error { return New(KindConflict, title, details) }

func PayloadTooLarge(title string, details any) *Error {
	return New(KindPayloadTooLarge, title, details)
}

func Unprocessable(title string, details any) *Error { return New(KindUnprocessable, title, details) }

func TooManyRequests(title string, details any) *Error {
	return New(KindTooManyRequests, title, details)
}

func ServiceUnavailable(details any) *Error {
	return New(KindServiceUnavailable, defaultUnavailableTitle, details)
}

// Internal wraps an unexpected cause. The cause message becomes the title so
// it reaches the logs, callers only ever see "Internal Server Error" and details.
func Internal(cause error, details any) *Error {
	title := defaultInternalTitle
	if cause != nil {
		title = cause.Error()
	}
	return Wrap(KindInternal, cause, title, details)
}

// As classifies a thrown value: a *Error anywhere in an error chain, or nothing.
func As(v any) (*Error, bool) {
	err, ok := v.(error)
	if !ok || err == nil {
		return nil, false
	}
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae, true
	}
	return nil, false
}

// ValidStatus clamps anything outside 400..599 to 500.
func ValidStatus(status int) int {
	if status < 400 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}

// PublicTitle is the title callers see for e.
func (e *Error) PublicTitle() string {
	if e.IsInternal() {
		return defaultInternalTitle
	}
	return e.Title
}
