package requests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockershare/internal/identity"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type handlerEnv struct {
	f        *fixture
	router   http.Handler
	verifier *identity.Verifier
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	f := newFixture(t).permissive()
	v := identity.NewVerifier("test-secret", "")
	r := chi.NewRouter()
	r.Use(v.Middleware)
	NewHandler(f.svc).Routes(r)
	return &handlerEnv{f: f, router: r, verifier: v}
}

func (e *handlerEnv) do(t *testing.T, method, path string, caller *identity.Caller, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		token, err := e.verifier.Issue(*caller, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleCreate(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(t, http.MethodPost, "/requests", &requester, map[string]string{
		"articleId": env.f.articleID.String(),
		"message":   "la necesito",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Success    bool      `json:"success"`
		RequestID  uuid.UUID `json:"requestId"`
		AccessCode string    `json:"accessCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.NotEqual(t, uuid.Nil, body.RequestID)
	assert.Len(t, body.AccessCode, 4)
}

func TestHandleCreateErrors(t *testing.T) {
	env := newHandlerEnv(t)
	own := env.f.articleID.String()

	tests := []struct {
		name   string
		caller *identity.Caller
		body   any
		status int
		code   string
	}{
		{"anonymous", nil, map[string]string{"articleId": own}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing article", &requester, map[string]string{}, http.StatusBadRequest, "MISSING_ARTICLE_ID"},
		{"unknown article", &requester, map[string]string{"articleId": uuid.NewString()}, http.StatusNotFound, "ARTICLE_NOT_FOUND"},
		{"malformed article id", &requester, map[string]string{"articleId": "abc"}, http.StatusNotFound, "ARTICLE_NOT_FOUND"},
		{"own article", &donor, map[string]string{"articleId": own}, http.StatusBadRequest, "CANNOT_REQUEST_OWN_ARTICLE"},
		{"bad json", &requester, "not an object", http.StatusBadRequest, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/requests", tt.caller, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}

	rec := env.do(t, http.MethodPost, "/requests", &requester, map[string]string{"articleId": own})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, "/requests", &stranger, map[string]string{"articleId": own})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ARTICLE_NOT_AVAILABLE", decodeError(t, rec).Error.Code)
}

func TestHandleTransitions(t *testing.T) {
	env := newHandlerEnv(t)
	req := env.f.create(t)
	base := "/requests/" + req.ID.String()

	rec := env.do(t, http.MethodPut, base+"/approve", &requester, map[string]string{"lockerId": "L-01"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Error.Code)

	rec = env.do(t, http.MethodPut, "/requests/"+uuid.NewString()+"/approve", &donor, map[string]string{"lockerId": "L-01"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "REQUEST_NOT_FOUND", decodeError(t, rec).Error.Code)

	rec = env.do(t, http.MethodPut, "/requests/not-a-uuid/approve", &donor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, base+"/approve", &donor, map[string]string{"lockerId": "L-01", "lockerLocation": "Plaza"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved struct {
		AccessCode string `json:"accessCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, req.AccessCode, approved.AccessCode)

	rec = env.do(t, http.MethodPut, base+"/reject", &donor, map[string]string{"reason": "tarde"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decodeError(t, rec).Error.Code)

	rec = env.do(t, http.MethodPut, base+"/complete", &stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, base+"/complete", &requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, StatusCompleted, done.Status)

	rec = env.do(t, http.MethodGet, base+"/history", &donor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history.Events, 3)
}

func TestHandleListMine(t *testing.T) {
	env := newHandlerEnv(t)
	env.f.create(t)

	rec := env.do(t, http.MethodGet, "/requests/mine", &requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count    int               `json:"count"`
		Requests []DonationRequest `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = env.do(t, http.MethodGet, "/requests/received", &requester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Count)
}
