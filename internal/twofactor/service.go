// internal/twofactor/service.go
package twofactor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"lockershare/internal/apperr"
	"lockershare/internal/cache"
	"lockershare/internal/config"
	"lockershare/internal/identity"
	"lockershare/internal/notify"
)

const MethodEmail = "email"

var (
	ErrMethodNotSupported = apperr.New(apperr.InvalidInput, "METHOD_NOT_SUPPORTED", "Método no disponible actualmente")
	ErrNoEmail            = apperr.New(apperr.InvalidInput, "EMAIL_REQUIRED", "La cuenta no tiene un correo asociado")
	ErrMissingCode        = apperr.New(apperr.InvalidInput, "MISSING_CODE", "Código requerido")
	ErrCodeExpired        = apperr.New(apperr.InvalidInput, "CODE_EXPIRED", "Código expirado o inexistente")
	ErrInvalidCode        = apperr.New(apperr.InvalidInput, "INVALID_CODE", "Código incorrecto")
	ErrTooManyAttempts    = apperr.New(apperr.InvalidInput, "TOO_MANY_ATTEMPTS", "Demasiados intentos, solicite un nuevo código")
	ErrSendLimited        = apperr.New(apperr.Unavailable, "TOO_MANY_CODES", "Espere antes de solicitar otro código")
)

// pending is a cached verification code. Only its hash is kept.
type pending struct {
	hash     []byte
	salt     []byte
	attempts int
}

// Dispatch describes where a code was sent.
type Dispatch struct {
	Method      string `json:"method"`
	Destination string `json:"destination"`
	ExpiresIn   int    `json:"expiresIn"`
}

// Service issues and checks short-lived email verification codes.
type Service struct {
	codes    cache.Cache
	notifier notify.Notifier
	cfg      config.TwoFactorConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	generate func() (string, error)
}

func NewService(codes cache.Cache, notifier notify.Notifier, cfg config.TwoFactorConfig, logger zerolog.Logger) *Service {
	return &Service{
		codes:    codes,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		generate: generateCode,
	}
}

// Send replaces any pending code for the caller and delivers a fresh one.
func (s *Service) Send(ctx context.Context, caller identity.Caller, method string) (*Dispatch, error) {
	if method == "" {
		method = MethodEmail
	}
	if !strings.EqualFold(method, MethodEmail) {
		return nil, ErrMethodNotSupported
	}
	if caller.Email == "" {
		return nil, ErrNoEmail
	}
	if !s.limiter(caller.UserID).Allow() {
		return nil, ErrSendLimited
	}

	code, err := s.generate()
	if err != nil {
		return nil, err
	}
	hash, salt, err := hashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}
	s.codes.Set(key(caller.UserID), &pending{hash: hash, salt: salt}, s.cfg.CodeTTL)

	minutes := int(s.cfg.CodeTTL / time.Minute)
	err = s.notifier.Notify(ctx, notify.Notification{
		UserID:  caller.UserID,
		Type:    notify.TypeVerificationCode,
		Title:   "Código de verificación",
		Message: fmt.Sprintf("Tu código es %s. Vence en %d minutos.", code, minutes),
		Data:    map[string]any{"email": caller.Email},
	})
	if err != nil {
		s.codes.Delete(key(caller.UserID))
		return nil, apperr.Wrap(apperr.Internal, "CODE_DELIVERY_FAILED", "no se pudo enviar el código", err)
	}

	s.logger.Info().Str("user_id", caller.UserID).Msg("verification code sent")
	return &Dispatch{
		Method:      MethodEmail,
		Destination: maskEmail(caller.Email),
		ExpiresIn:   int(s.cfg.CodeTTL / time.Second),
	}, nil
}

// Verify checks code against the caller's pending code. The code is
// consumed on success and discarded once attempts run out.
func (s *Service) Verify(_ context.Context, caller identity.Caller, code string) error {
	if code == "" {
		return ErrMissingCode
	}
	k := key(caller.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.codes.Get(k)
	if !ok {
		return ErrCodeExpired
	}
	p := v.(*pending)
	if p.attempts >= s.cfg.MaxAttempts {
		s.codes.Delete(k)
		return ErrTooManyAttempts
	}
	if len(code) != codeDigits || !matchCode(code, p.salt, p.hash) {
		p.attempts++
		if p.attempts >= s.cfg.MaxAttempts {
			s.codes.Delete(k)
			s.logger.Warn().Str("user_id", caller.UserID).Msg("verification attempts exhausted")
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}

	s.codes.Delete(k)
	s.logger.Info().Str("user_id", caller.UserID).Msg("verification code accepted")
	return nil
}

// limiter allows three sends, then one per minute. Buckets live in the
// code cache for ten minutes.
func (s *Service) limiter(userID string) *rate.Limiter {
	k := "2fa-send:" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.codes.Get(k); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Minute), 3)
	s.codes.Set(k, l, 10*time.Minute)
	return l
}

func key(userID string) string { return "2fa:" + userID }

// maskEmail keeps the first three characters and the domain.
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	if len(local) > 3 {
		local = local[:3]
	}
	return local + "***@" + domain
}
