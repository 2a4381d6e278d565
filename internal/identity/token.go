// internal/identity/token.go
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lockershare/internal/apperr"
)

var (
	ErrUnauthorized = apperr.New(apperr.Unauthorized, "UNAUTHORIZED", "authentication required")
	ErrForbidden    = apperr.New(apperr.Forbidden, "FORBIDDEN", "token not valid for this resource")
)

// Claims are the bearer-token claims issued by the identity provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses a raw token and returns the caller it identifies.
func (v *Verifier) Verify(raw string) (Caller, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Caller{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return Caller{}, errors.New("token has no subject")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Caller{}, err
	}
	return Caller{UserID: claims.Subject, Email: claims.Email, Name: claims.Name, Role: role}, nil
}

// Issue signs a token for c. The service never issues tokens on its own
// routes; this exists for tooling and tests.
func (v *Verifier) Issue(c Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: c.Email,
		Name:  c.Name,
		Role:  c.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// VerifyLocker accepts only a locker token whose subject is lockerID.
func (v *Verifier) VerifyLocker(raw, lockerID string) error {
	c, err := v.Verify(raw)
	if err != nil {
		return apperr.Wrap(apperr.Unauthorized, ErrUnauthorized.Code, ErrUnauthorized.Message, err)
	}
	if !c.IsLocker() || c.UserID != lockerID {
		return ErrForbidden
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

// Middleware attaches the caller to the request context when a valid bearer
// token is present. Requests without one pass through anonymously.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := BearerToken(r)
		if !ok {
			apperr.WriteJSON(w, ErrUnauthorized)
			return
		}
		caller, err := v.Verify(raw)
		if err != nil {
			apperr.WriteJSON(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// RequireCaller rejects anonymous requests with 401 UNAUTHORIZED. Locker
// tokens only open the live channel and get 403 here.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			apperr.WriteJSON(w, ErrUnauthorized)
			return
		}
		if caller.IsLocker() {
			apperr.WriteJSON(w, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
