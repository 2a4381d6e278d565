// internal/lockers/service.go
package lockers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"lockershare/internal/accesscode"
	"lockershare/internal/apperr"
	"lockershare/internal/cache"
	"lockershare/internal/config"
	"lockershare/internal/identity"
	"lockershare/internal/notify"
	"lockershare/internal/requests"
)

// Redeemer resolves access codes. *requests.Registry satisfies it.
type Redeemer interface {
	Redeem(ctx context.Context, code, lockerID, location string) (*requests.Snapshot, error)
	CountActiveForLocker(ctx context.Context, lockerID string) (int, error)
}

// Enqueuer accepts best-effort side effects. *notify.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(t notify.Task) bool
}

type VerifyInput struct {
	AccessCode string
	LockerID   string
	Location   string
	Action     string
	// ClientIP is the caller's address; it gets its own bucket because
	// LockerID is whatever the caller claims.
	ClientIP string
	// Language is the caller's Accept-Language header.
	Language string
}

type GrantUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type GrantArticle struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
}

// Grant is the body sent to a locker that may open.
type Grant struct {
	Success         bool         `json:"success"`
	User            GrantUser    `json:"user"`
	Action          Action       `json:"action"`
	Message         string       `json:"message"`
	AccessGrantedAt time.Time    `json:"access_granted_at"`
	LockerID        string       `json:"locker_id"`
	RequestID       uuid.UUID    `json:"request_id"`
	Article         GrantArticle `json:"article"`
}

type StatusReport struct {
	Success      bool        `json:"success"`
	Locker       *Locker     `json:"locker"`
	ActiveCodes  int         `json:"active_codes"`
	RecentAccess []AccessLog `json:"recent_access"`
	Timestamp    time.Time   `json:"timestamp"`
}

type EventInput struct {
	LockerID   string
	Type       string
	Details    map[string]any
	ReportedAt *time.Time
}

type SetupInput struct {
	LockerID        string
	Name            string
	Location        string
	IPAddress       string
	MACAddress      string
	FirmwareVersion string
}

// Dependencies wires the service. Directory, Notifier and Limiters may be nil.
type Dependencies struct {
	Store      Store
	Codes      Redeemer
	Directory  identity.Directory
	Dispatcher Enqueuer
	Notifier   notify.Notifier
	// Limiters holds per-locker and per-client token buckets so idle ones
	// age out.
	Limiters cache.Cache
	Config   config.LockersConfig
	Logger   zerolog.Logger
}

// Service answers the hardware endpoints.
type Service struct {
	store      Store
	codes      Redeemer
	directory  identity.Directory
	dispatcher Enqueuer
	notifier   notify.Notifier
	limiters   cache.Cache
	limiterMu  sync.Mutex
	global     *rate.Limiter
	cfg        config.LockersConfig
	logger     zerolog.Logger
	attempts   metric.Int64Counter
	now        func() time.Time
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		store:      deps.Store,
		codes:      deps.Codes,
		directory:  deps.Directory,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		limiters:   deps.Limiters,
		cfg:        deps.Config,
		logger:     deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if s.cfg.VerifyGlobalPerMinute > 0 {
		s.global = rate.NewLimiter(perMinute(s.cfg.VerifyGlobalPerMinute), s.cfg.VerifyGlobalBurst)
	}
	counter, err := otel.Meter("lockershare/lockers").Int64Counter("lockershare.locker.verify_attempts",
		metric.WithDescription("Access code verification attempts by outcome"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("verify counter unavailable")
	}
	s.attempts = counter
	return s
}

// VerifyCode decides whether a locker may open for code. Every registry
// failure yields ErrAccessDenied so callers cannot tell an unknown code from
// one that is pending, finished or bound to another locker.
func (s *Service) VerifyCode(ctx context.Context, in VerifyInput) (*Grant, error) {
	if in.AccessCode == "" || in.LockerID == "" {
		return nil, ErrMissingFields
	}
	if !s.allow(in) {
		s.count(ctx, "rate_limited")
		return nil, ErrRateLimited
	}
	if !accesscode.Valid(in.AccessCode) {
		s.count(ctx, "malformed")
		s.logAttempt(in.LockerID, in.AccessCode, "", false, "malformed code")
		return nil, ErrInvalidCodeFormat
	}

	snap, err := s.codes.Redeem(ctx, in.AccessCode, in.LockerID, in.Location)
	if err != nil {
		if !errors.Is(err, requests.ErrInvalidCode) {
			return nil, fmt.Errorf("failed to redeem code: %w", err)
		}
		s.count(ctx, "denied")
		s.logAttempt(in.LockerID, in.AccessCode, "", false, requests.DenialReason(err))
		return nil, ErrAccessDenied
	}

	action := ParseAction(in.Action)
	userID, fallback := snap.RequesterID, "Usuario"
	if action == ActionDonate {
		userID, fallback = snap.DonorID, "Donador"
	}
	user := s.lookupUser(ctx, userID, fallback)

	reason := "Acceso concedido"
	if snap.LockerMismatch {
		reason = "Acceso concedido, casillero distinto al asignado"
		s.logger.Warn().
			Str("locker_id", in.LockerID).
			Str("assigned_locker", snap.LockerID).
			Str("request_id", snap.RequestID.String()).
			Msg("code redeemed at unassigned locker")
	}
	s.count(ctx, "granted")
	s.logAttempt(in.LockerID, in.AccessCode, userID, true, reason)
	s.recordUse(in.LockerID, action, snap.AccessedAt)
	s.notifyAccess(userID, in.LockerID, action, snap)

	return &Grant{
		Success:         true,
		User:            user,
		Action:          action,
		Message:         grantMessage(printerFor(in.Language), action),
		AccessGrantedAt: snap.AccessedAt,
		LockerID:        in.LockerID,
		RequestID:       snap.RequestID,
		Article: GrantArticle{
			ID:          snap.ArticleID,
			Title:       snap.ArticleTitle,
			Description: snap.ArticleDescription,
			Category:    snap.ArticleCategory,
		},
	}, nil
}

// Status reports locker metadata, its approved-code count and the access
// log of the last 24 hours.
func (s *Service) Status(ctx context.Context, lockerID string) (*StatusReport, error) {
	l, err := s.store.Get(ctx, lockerID)
	if err != nil {
		return nil, err
	}
	active, err := s.codes.CountActiveForLocker(ctx, lockerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active codes: %w", err)
	}
	now := s.now()
	recent, err := s.store.RecentAccess(ctx, lockerID, now.Add(-recentAccessWindow), recentAccessLimit)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Success:      true,
		Locker:       l,
		ActiveCodes:  active,
		RecentAccess: recent,
		Timestamp:    now,
	}, nil
}

func (s *Service) RegisterEvent(ctx context.Context, in EventInput) error {
	if in.LockerID == "" || in.Type == "" {
		return ErrMissingFields
	}
	err := s.store.AppendEvent(ctx, Event{
		LockerID:   in.LockerID,
		Type:       in.Type,
		Details:    in.Details,
		ReportedAt: in.ReportedAt,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("locker_id", in.LockerID).Str("event_type", in.Type).Msg("locker event recorded")
	return nil
}

// Setup registers a locker or refreshes its metadata. A re-registered
// locker becomes active again.
func (s *Service) Setup(ctx context.Context, in SetupInput) (bool, error) {
	if in.LockerID == "" || in.Name == "" || in.Location == "" {
		return false, ErrMissingFields
	}
	now := s.now()
	created, err := s.store.Upsert(ctx, &Locker{
		ID:              in.LockerID,
		Name:            in.Name,
		Location:        in.Location,
		Status:          StatusActive,
		IPAddress:       in.IPAddress,
		MACAddress:      in.MACAddress,
		FirmwareVersion: in.FirmwareVersion,
		UpdatedAt:       now,
	})
	if err != nil {
		return false, err
	}
	s.logger.Info().Str("locker_id", in.LockerID).Bool("created", created).Msg("locker setup")
	return created, nil
}

// Health records a heartbeat when lockerID is set, reporting whether a
// locker was updated.
func (s *Service) Health(ctx context.Context, lockerID string) (bool, error) {
	if lockerID == "" {
		return false, nil
	}
	return s.store.Touch(ctx, lockerID, s.now())
}

// MarkStaleOffline sets lockers without a recent heartbeat offline.
func (s *Service) MarkStaleOffline(ctx context.Context) (int64, error) {
	n, err := s.store.MarkStale(ctx, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("lockers marked offline")
	}
	return n, nil
}

// allow spends a token from the global bucket, then the client's, then the
// locker's. Keyed buckets are only created once the global bucket admits the
// request, so the cache grows no faster than the global rate.
func (s *Service) allow(in VerifyInput) bool {
	if s.global != nil && !s.global.Allow() {
		return false
	}
	if s.limiters == nil || s.cfg.VerifyRatePerMinute <= 0 {
		return true
	}
	if in.ClientIP != "" && !s.bucket("verify-ip:"+in.ClientIP).Allow() {
		return false
	}
	return s.bucket("verify:" + in.LockerID).Allow()
}

func (s *Service) bucket(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	var l *rate.Limiter
	if v, ok := s.limiters.Get(key); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(perMinute(s.cfg.VerifyRatePerMinute), s.cfg.VerifyBurst)
	}
	// Refresh the TTL so an active key keeps its bucket.
	s.limiters.Set(key, l, 10*time.Minute)
	return l
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.attempts == nil {
		return
	}
	s.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Service) lookupUser(ctx context.Context, userID, fallback string) GrantUser {
	u := GrantUser{ID: userID, Name: fallback}
	if s.directory == nil {
		return u
	}
	found, err := s.directory.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, identity.ErrUserNotFound) {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("user lookup failed")
		}
		return u
	}
	u.Email = found.Email
	switch {
	case found.Name != "":
		u.Name = found.Name
	case found.Email != "":
		u.Name = emailLocalPart(found.Email)
	}
	return u
}

func (s *Service) logAttempt(lockerID, code, userID string, success bool, reason string) {
	entry := AccessLog{
		LockerID:   lockerID,
		AccessCode: code,
		UserID:     userID,
		Success:    success,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	s.enqueue(notify.Task{
		Kind: "locker.access_log",
		Sink: "lockers",
		Run: func(ctx context.Context) error {
			return s.store.AppendAccessLog(ctx, entry)
		},
	})
}

func (s *Service) recordUse(lockerID string, action Action, at time.Time) {
	s.enqueue(notify.Task{
		Kind: "locker.stats",
		Sink: "lockers",
		Run: func(ctx context.Context) error {
			err := s.store.RecordUse(ctx, lockerID, action, at)
			if errors.Is(err, ErrLockerNotFound) {
				s.logger.Warn().Str("locker_id", lockerID).Msg("stats skipped for unregistered locker")
				return nil
			}
			return err
		},
	})
}

func (s *Service) notifyAccess(userID, lockerID string, action Action, snap *requests.Snapshot) {
	if s.notifier == nil || userID == "" {
		return
	}
	verb := "recoger"
	if action == ActionDonate {
		verb = "depositar"
	}
	n := notify.Notification{
		UserID:  userID,
		Type:    notify.TypeLockerAccess,
		Title:   "Acceso al casillero",
		Message: fmt.Sprintf("Se abrió el casillero %s para %s \"%s\"", lockerID, verb, snap.ArticleTitle),
		Data: map[string]any{
			"requestId": snap.RequestID.String(),
			"lockerId":  lockerID,
			"action":    string(action),
		},
	}
	s.enqueue(notify.Task{
		Kind: "notify",
		Sink: "notifications",
		Run: func(ctx context.Context) error {
			return s.notifier.Notify(ctx, n)
		},
	})
}

func (s *Service) enqueue(t notify.Task) {
	if s.dispatcher == nil {
		return
	}
	if !s.dispatcher.Enqueue(t) {
		s.logger.Warn().Str("task", t.Kind).Msg("side effect dropped")
	}
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// IsRateLimited reports whether err is ErrRateLimited.
func IsRateLimited(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Code == ErrRateLimited.Code
}
