package lockers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockershare/internal/articles"
	"lockershare/internal/identity"
	"lockershare/internal/notify"
)

var testVerifier = identity.NewVerifier("test-secret", "lockershare")

func newRouter(t *testing.T, e *env, live LiveChannel) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(e.svc, live, testVerifier, zerolog.Nop()).Routes(r)
	return r
}

func lockerToken(t *testing.T, lockerID string) http.Header {
	t.Helper()
	token, err := testVerifier.Issue(identity.Caller{UserID: lockerID, Role: identity.RoleLocker}, time.Minute)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func post(t *testing.T, h http.Handler, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHandleVerifyCodeGrant(t *testing.T) {
	e := newEnv(t)
	req := e.approved(t, "L1")
	h := newRouter(t, e, nil)

	rec := post(t, h, "/hardware/verify-code", map[string]any{
		"access_code": req.AccessCode,
		"locker_id":   "L1",
		"location":    "Planta baja",
		"timestamp":   time.Now().UnixMilli(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var grant struct {
		Success bool   `json:"success"`
		Action  string `json:"action"`
		User    struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
		Article struct {
			Title string `json:"title"`
		} `json:"article"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
	assert.True(t, grant.Success)
	assert.Equal(t, "RECEIVE", grant.Action)
	assert.Equal(t, requesterID, grant.User.ID)
	assert.Equal(t, "A", grant.Article.Title)
	assert.Equal(t, "Acceso concedido para recoger artículo", grant.Message)
}

func TestHandleVerifyCodeDeniedBodiesMatch(t *testing.T) {
	e := newEnv(t, enforceBinding())
	ctx := context.Background()
	h := newRouter(t, e, nil)

	pending, err := e.registry.Issue(ctx, requesterID, e.articleID, "")
	require.NoError(t, err)

	other := uuid.New()
	e.articles.Put(articles.Article{ID: other, Title: "B", DonorID: donorID, Status: articles.StatusAvailable})
	elsewhere, err := e.registry.Issue(ctx, requesterID, other, "")
	require.NoError(t, err)
	_, err = e.registry.Activate(ctx, elsewhere.ID, donorID, "L2", "")
	require.NoError(t, err)

	unknown := "9999"
	if unknown == pending.AccessCode || unknown == elsewhere.AccessCode {
		unknown = "1000"
	}
	if unknown == pending.AccessCode || unknown == elsewhere.AccessCode {
		unknown = "1001"
	}

	var bodies []string
	for _, code := range []string{pending.AccessCode, elsewhere.AccessCode, unknown} {
		rec := post(t, h, "/hardware/verify-code", map[string]string{"access_code": code, "locker_id": "L1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ACCESS_DENIED", errorCode(t, rec))
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[0], bodies[2])
}

func TestHandleVerifyCodeInputErrors(t *testing.T) {
	e := newEnv(t)
	h := newRouter(t, e, nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing locker", map[string]string{"access_code": "1234"}, "MISSING_FIELDS"},
		{"missing code", map[string]string{"locker_id": "L1"}, "MISSING_FIELDS"},
		{"short code", map[string]string{"access_code": "123", "locker_id": "L1"}, "INVALID_CODE_FORMAT"},
		{"letters", map[string]string{"access_code": "12ab", "locker_id": "L1"}, "INVALID_CODE_FORMAT"},
		{"bad json", "{", "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, "/hardware/verify-code", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestHandleVerifyCodeRateLimited(t *testing.T) {
	e := newEnv(t, verifyRate(1, 1))
	h := newRouter(t, e, nil)

	body := map[string]string{"access_code": "12ab", "locker_id": "L1"}
	rec := post(t, h, "/hardware/verify-code", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/hardware/verify-code", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
}

func TestHandleVerifyCodeRotatingLockersIsLimited(t *testing.T) {
	e := newEnv(t, verifyRate(1, 2))
	h := newRouter(t, e, nil)

	for _, locker := range []string{"fake-1", "fake-2"} {
		rec := post(t, h, "/hardware/verify-code", map[string]string{"access_code": "12ab", "locker_id": locker})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := post(t, h, "/hardware/verify-code", map[string]string{"access_code": "12ab", "locker_id": "fake-3"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
}

func TestHandleStatus(t *testing.T) {
	e := newEnv(t)
	req := e.approved(t, "L1")
	h := newRouter(t, e, nil)

	rec := post(t, h, "/hardware/verify-code", map[string]string{"access_code": req.AccessCode, "locker_id": "L1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/hardware/status/L1")
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Success      bool `json:"success"`
		ActiveCodes  int  `json:"active_codes"`
		RecentAccess []struct {
			AccessCode string    `json:"access_code"`
			Success    bool      `json:"success"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"recent_access"`
		Locker struct {
			ID        string `json:"id"`
			TotalUses int64  `json:"total_uses"`
		} `json:"locker"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Success)
	assert.Equal(t, 1, report.ActiveCodes)
	require.Len(t, report.RecentAccess, 1)
	assert.True(t, report.RecentAccess[0].Success)
	assert.Equal(t, "L1", report.Locker.ID)
	assert.Equal(t, int64(1), report.Locker.TotalUses)

	rec = get(t, h, "/hardware/status/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "LOCKER_NOT_FOUND", errorCode(t, rec))
}

func TestHandleEventMergesDetails(t *testing.T) {
	e := newEnv(t)
	h := newRouter(t, e, nil)

	rec := post(t, h, "/hardware/event", map[string]any{
		"locker_id":  "L1",
		"event_type": "door_forced",
		"details":    map[string]any{"sensor": 2},
		"timestamp":  "2026-01-02T15:04:05Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Evento registrado correctamente")

	rec = post(t, h, "/hardware/event", map[string]any{
		"locker_id":  "L1",
		"event_type": "note",
		"details":    "battery low",
	}, "Accept-Language", "en")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Event recorded")

	events := e.store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, float64(2), events[0].Details["sensor"])
	assert.Contains(t, events[0].Details, "ip_address")
	require.NotNil(t, events[0].ReportedAt)
	assert.Equal(t, 2026, events[0].ReportedAt.Year())
	assert.Equal(t, "battery low", events[1].Details["message"])
	assert.Nil(t, events[1].ReportedAt)

	rec = post(t, h, "/hardware/event", map[string]string{"locker_id": "L1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_FIELDS", errorCode(t, rec))
}

func TestHandleSetup(t *testing.T) {
	e := newEnv(t)
	h := newRouter(t, e, nil)

	body := map[string]string{"locker_id": "L7", "name": "Aulario", "location": "Norte", "firmware_version": "2.0"}
	rec := post(t, h, "/hardware/setup", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Casillero registrado")
	assert.Contains(t, rec.Body.String(), `"created":true`)

	rec = post(t, h, "/hardware/setup", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Casillero actualizado")

	l, err := e.store.Get(context.Background(), "L7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", l.IPAddress)

	rec = post(t, h, "/hardware/setup", map[string]string{"locker_id": "L8"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	e := newEnv(t)
	h := newRouter(t, e, nil)

	rec := get(t, h, "/hardware/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotContains(t, rec.Body.String(), "locker_updated")

	rec = get(t, h, "/hardware/health?locker_id=L1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"locker_updated":true`)

	l, err := e.store.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.NotNil(t, l.LastSeen)
}

func TestHandleLiveChannel(t *testing.T) {
	e := newEnv(t)
	hub := notify.NewHub(zerolog.Nop())
	srv := httptest.NewServer(newRouter(t, e, hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/hardware/ws/L1"
	conn, _, err := websocket.DefaultDialer.Dial(url, lockerToken(t, "L1"))
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connected("L1") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), "L1", notify.LockerMessage{
		AccessCode: "4821",
		Action:     notify.ActionActivate,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg notify.LockerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "4821", msg.AccessCode)
	assert.Equal(t, notify.ActionActivate, msg.Action)
}

func TestHandleLiveChannelRequiresLockerToken(t *testing.T) {
	e := newEnv(t)
	hub := notify.NewHub(zerolog.Nop())
	srv := httptest.NewServer(newRouter(t, e, hub))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/hardware/ws/L1"

	userToken, err := testVerifier.Issue(identity.Caller{UserID: "L1"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"garbage", http.Header{"Authorization": {"Bearer garbage"}}, http.StatusUnauthorized},
		{"other locker", lockerToken(t, "L2"), http.StatusForbidden},
		{"user token", http.Header{"Authorization": {"Bearer " + userToken}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url, tt.header)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Zero(t, hub.Connected("L1"))
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	e := newEnv(t)

	_, err := NewSweeper(e.svc, "not a schedule", zerolog.Nop())
	assert.Error(t, err)

	s, err := NewSweeper(e.svc, "@every 1h", zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	// A manual run applies the same sweep.
	s.run()
	l, err := e.store.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, l.Status)
}
