package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoleFoldsEncodings(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"", RoleUser},
		{"user", RoleUser},
		{"admin", RoleAdmin},
		{"ADMIN", RoleAdmin},
		{"roles/admin", RoleAdmin},
		{"/roles/user", RoleUser},
		{"roles/locker", RoleLocker},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseRole("superuser")
	assert.Error(t, err)
}

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("secret", "lockershare")
	token, err := v.Issue(Caller{UserID: "u1", Email: "u1@example.com", Role: RoleAdmin}, time.Minute)
	require.NoError(t, err)

	c, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.True(t, c.IsAdmin())
}

func TestVerifierRejectsForeignSignature(t *testing.T) {
	other := NewVerifier("other", "lockershare")
	token, err := other.Issue(Caller{UserID: "u1"}, time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier("secret", "lockershare").Verify(token)
	assert.Error(t, err)
}

func TestVerifierRejectsExpired(t *testing.T) {
	v := NewVerifier("secret", "lockershare")
	token, err := v.Issue(Caller{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}

func TestMiddlewareAndRequireCaller(t *testing.T) {
	v := NewVerifier("secret", "")
	var seen Caller
	h := v.Middleware(RequireCaller(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := v.Issue(Caller{UserID: "u9"}, time.Minute)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u9", seen.UserID)
}

func TestVerifyLockerScopesTokenToOneLocker(t *testing.T) {
	v := NewVerifier("secret", "lockershare")
	token, err := v.Issue(Caller{UserID: "L1", Role: RoleLocker}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, v.VerifyLocker(token, "L1"))
	assert.ErrorIs(t, v.VerifyLocker(token, "L2"), ErrForbidden)

	userToken, err := v.Issue(Caller{UserID: "L1"}, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, v.VerifyLocker(userToken, "L1"), ErrForbidden)

	assert.ErrorIs(t, v.VerifyLocker("garbage", "L1"), ErrUnauthorized)
}

func TestRequireCallerRejectsLockerTokens(t *testing.T) {
	v := NewVerifier("secret", "")
	h := v.Middleware(RequireCaller(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	token, err := v.Issue(Caller{UserID: "L1", Role: RoleLocker}, time.Minute)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
