// internal/identity/identity.go
package identity

import (
	"context"
	"fmt"
	"strings"
)

// Role is the caller's authorization level. The identity provider may encode
// it as "admin", "roles/admin" or similar; ParseRole folds all of them into
// one of these values. RoleLocker marks a locker controller whose subject is
// its locker id.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleLocker
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleLocker:
		return "locker"
	}
	return "user"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole accepts plain and path-like encodings. Empty means user.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	switch s {
	case "", "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	case "locker":
		return RoleLocker, nil
	default:
		return RoleUser, fmt.Errorf("unknown role %q", s)
	}
}

// Caller is the authenticated principal behind a request.
type Caller struct {
	UserID string
	Email  string
	Name   string
	Role   Role
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

func (c Caller) IsLocker() bool { return c.Role == RoleLocker }

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller and whether one was authenticated.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.UserID != ""
}
