package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/kv"
)

func TestSlidingWindowMiddleware_AllowsUnderLimit(t *testing.T) {
	e := echo.New()
	store := kv.NewMemoryStore()
	mw := SlidingWindowMiddleware(store, SlidingWindowConfig{
		Scope: "login", Max: 3, Window: time.Second, KeyFunc: IPKeyFunc("login"),
	})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestSlidingWindowMiddleware_RejectsOverLimit(t *testing.T) {
	e := echo.New()
	store := kv.NewMemoryStore()
	mw := SlidingWindowMiddleware(store, SlidingWindowConfig{
		Scope: "login", Max: 2, Window: time.Second, KeyFunc: IPKeyFunc("login"),
	})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	var lastCode int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		require.NoError(t, handler(c))
		lastCode = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestSlidingWindowMiddleware_SkipperBypasses(t *testing.T) {
	e := echo.New()
	store := kv.NewMemoryStore()
	mw := SlidingWindowMiddleware(store, SlidingWindowConfig{
		Scope: "login", Max: 1, Window: time.Second, KeyFunc: IPKeyFunc("login"),
		Skipper: func(c echo.Context) bool { return true },
	})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		require.NoError(t, handler(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
