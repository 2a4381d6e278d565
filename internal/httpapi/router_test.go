package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockershare/internal/identity"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type mountFunc func(r chi.Router)

func (f mountFunc) Routes(r chi.Router) { f(r) }

func newTestRouter(db Pinger, logs *bytes.Buffer) (http.Handler, *identity.Verifier) {
	v := identity.NewVerifier("test-secret", "")
	hardware := mountFunc(func(r chi.Router) {
		r.Get("/hardware/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	api := mountFunc(func(r chi.Router) {
		r.With(identity.RequireCaller).Get("/me", func(w http.ResponseWriter, r *http.Request) {
			c, _ := identity.CallerFromContext(r.Context())
			_, _ = w.Write([]byte(c.UserID))
		})
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})
	return New(Options{
		Verifier: v,
		Database: db,
		Logger:   zerolog.New(logs),
		Hardware: hardware,
		API:      []Mounter{api},
	}), v
}

func TestHealthz(t *testing.T) {
	var logs bytes.Buffer
	h, _ := newTestRouter(pinger{}, &logs)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h, _ = newTestRouter(pinger{err: errors.New("down")}, &logs)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestRequestIDIsEchoedOrMinted(t *testing.T) {
	var logs bytes.Buffer
	h, _ := newTestRouter(nil, &logs)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, logs.String(), `"request_id":"abc-123"`)
	assert.Contains(t, logs.String(), `"path":"/healthz"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestAuthenticatedGroup(t *testing.T) {
	var logs bytes.Buffer
	h, v := newTestRouter(nil, &logs)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := v.Issue(identity.Caller{UserID: "u1"}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hardware/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoversPanics(t *testing.T) {
	var logs bytes.Buffer
	h, _ := newTestRouter(nil, &logs)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), `"status":500`)
}
