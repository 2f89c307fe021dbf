// Package apperr defines the error taxonomy shared by every layer of the
// streaming service: the control plane, the socket server, and the
// simulation core all return *Error so the category travels with the
// failure instead of being re-derived from string matching at each edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category groups errors by how a caller is expected to react to them.
type Category string

const (
	CategoryValidation          Category = "validation"
	CategoryNotFound            Category = "not_found"
	CategoryAuthRequired        Category = "auth_required"
	CategoryAuthFailed          Category = "auth_failed"
	CategoryForbidden           Category = "forbidden"
	CategoryConflict            Category = "conflict"
	CategoryRateLimited         Category = "rate_limited"
	CategoryUpstreamUnavailable Category = "upstream_unavailable"
	CategoryInvalidRouteGeometry Category = "invalid_route_geometry"
	CategoryInvalidRouteSpikes  Category = "invalid_route_spikes"
	CategoryAntiTeleportJump    Category = "anti_teleport_jump"
	CategoryInternal            Category = "internal"
)

// httpStatus maps each category to its HTTP status per §7 of the spec.
var httpStatus = map[Category]int{
	CategoryValidation:           http.StatusBadRequest,
	CategoryNotFound:             http.StatusNotFound,
	CategoryAuthRequired:         http.StatusUnauthorized,
	CategoryAuthFailed:           http.StatusUnauthorized,
	CategoryForbidden:            http.StatusForbidden,
	CategoryConflict:             http.StatusConflict,
	CategoryRateLimited:          http.StatusTooManyRequests,
	CategoryUpstreamUnavailable:  http.StatusBadGateway,
	CategoryInvalidRouteGeometry: http.StatusBadRequest,
	CategoryInvalidRouteSpikes:   http.StatusBadRequest,
	CategoryAntiTeleportJump:     0, // never surfaced over HTTP
	CategoryInternal:             http.StatusInternalServerError,
}

// wsCloseCode maps the categories relevant to the socket handshake/runtime
// to their close code per §4.4 and §6.
var wsCloseCode = map[Category]int{
	CategoryAuthRequired: 4001,
	CategoryAuthFailed:   4001,
	CategoryValidation:   4003,
	CategoryNotFound:     4004,
	CategoryInternal:     4500,
}

// Error is the typed error returned by every component. Details is a
// free-form payload surfaced to the client under the "details" key; it
// must never contain secrets.
type Error struct {
	Category   Category
	Message    string
	Details    any
	RetryAfter int // seconds, only meaningful for CategoryRateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Category]; ok && s != 0 {
		return s
	}
	return http.StatusInternalServerError
}

// WSCloseCode returns the socket close code for this error, or 0 if the
// category is never surfaced as a close.
func (e *Error) WSCloseCode() int {
	return wsCloseCode[e.Category]
}

// New constructs an *Error of the given category.
func New(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given category around a cause.
func Wrap(category Category, cause error, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns a copy of e carrying the given details payload.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRetryAfter returns a copy of e carrying a retry-after hint.
func (e *Error) WithRetryAfter(seconds int) *Error {
	cp := *e
	cp.RetryAfter = seconds
	return &cp
}

// Is reports whether target is an *Error with the same category.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category
	}
	return false
}

// CategoryOf returns the category of err, or CategoryInternal if err is
// not an *Error (or is nil, in which case the zero Category is returned
// with ok=false).
func CategoryOf(err error) (Category, bool) {
	if err == nil {
		return "", false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return CategoryInternal, false
}

// Convenience constructors for the categories named in §7.

func Validation(format string, args ...any) *Error {
	return New(CategoryValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CategoryNotFound, format, args...)
}

func AuthRequired(format string, args ...any) *Error {
	return New(CategoryAuthRequired, format, args...)
}

func AuthFailed(format string, args ...any) *Error {
	return New(CategoryAuthFailed, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(CategoryForbidden, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CategoryConflict, format, args...)
}

func RateLimited(retryAfter int) *Error {
	return New(CategoryRateLimited, "rate limit exceeded").WithRetryAfter(retryAfter)
}

func UpstreamUnavailable(cause error, format string, args ...any) *Error {
	return Wrap(CategoryUpstreamUnavailable, cause, format, args...)
}

func InvalidRouteGeometry(format string, args ...any) *Error {
	return New(CategoryInvalidRouteGeometry, format, args...)
}

func InvalidRouteSpikes(format string, args ...any) *Error {
	return New(CategoryInvalidRouteSpikes, format, args...)
}

func AntiTeleportJump(format string, args ...any) *Error {
	return New(CategoryAntiTeleportJump, format, args...)
}

func Internal(cause error, format string, args ...any) *Error {
	return Wrap(CategoryInternal, cause, format, args...)
}
