package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Category]int{
		CategoryValidation:   http.StatusBadRequest,
		CategoryNotFound:     http.StatusNotFound,
		CategoryAuthRequired: http.StatusUnauthorized,
		CategoryForbidden:    http.StatusForbidden,
		CategoryConflict:     http.StatusConflict,
		CategoryRateLimited:  http.StatusTooManyRequests,
		CategoryInternal:     http.StatusInternalServerError,
	}
	for cat, want := range cases {
		e := New(cat, "boom")
		assert.Equal(t, want, e.HTTPStatus(), "category %s", cat)
	}
}

func TestAntiTeleportNeverSurfacedOverHTTP(t *testing.T) {
	e := AntiTeleportJump("jump of %d m", 150)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatus())
	assert.Equal(t, 0, e.WSCloseCode())
}

func TestWSCloseCodes(t *testing.T) {
	assert.Equal(t, 4001, AuthRequired("no token").WSCloseCode())
	assert.Equal(t, 4001, AuthFailed("bad token").WSCloseCode())
	assert.Equal(t, 4500, Internal(nil, "oops").WSCloseCode())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial failed")
	e := UpstreamUnavailable(cause, "ors timeout")
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "dial failed")
}

func TestIsMatchesByCategory(t *testing.T) {
	a := Validation("field x missing")
	b := Validation("field y missing")
	assert.True(t, errors.Is(a, b))

	c := NotFound("no such device")
	assert.False(t, errors.Is(a, c))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	e := RateLimited(42)
	assert.Equal(t, 42, e.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, e.HTTPStatus())
}

func TestCategoryOf(t *testing.T) {
	cat, ok := CategoryOf(Conflict("dup"))
	assert.True(t, ok)
	assert.Equal(t, CategoryConflict, cat)

	cat, ok = CategoryOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, CategoryInternal, cat)

	_, ok = CategoryOf(nil)
	assert.False(t, ok)
}
