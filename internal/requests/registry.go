// internal/requests/registry.go
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lockershare/internal/accesscode"
	"lockershare/internal/articles"
)

// RegistryOptions tune code allocation and redemption.
type RegistryOptions struct {
	MaxIssueAttempts int
	// EnforceBinding makes a code presented at a locker other than the
	// assigned one fail like an unknown code. Off, the mismatch is only
	// reported on the snapshot.
	EnforceBinding bool
}

// Registry answers "is this code currently valid, and for what?". Codes
// live on the DonationRequest; status gates their usability.
type Registry struct {
	store    Store
	articles articles.Store
	gen      accesscode.Generator
	opts     RegistryOptions
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewRegistry(store Store, articleStore articles.Store, gen accesscode.Generator, opts RegistryOptions, logger zerolog.Logger) *Registry {
	if opts.MaxIssueAttempts <= 0 {
		opts.MaxIssueAttempts = 1
	}
	return &Registry{
		store:    store,
		articles: articleStore,
		gen:      gen,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("lockershare/requests"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a pending request for articleID with a fresh code and
// reserves the article.
func (r *Registry) Issue(ctx context.Context, requesterID string, articleID uuid.UUID, message string) (*DonationRequest, error) {
	ctx, span := r.tracer.Start(ctx, "registry.issue",
		trace.WithAttributes(attribute.String("article.id", articleID.String())))
	defer span.End()

	if articleID == uuid.Nil {
		return nil, ErrMissingArticleID
	}

	// Step 1: Check the article
	article, err := r.articles.Get(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if article.Status != articles.StatusAvailable {
		return nil, ErrArticleUnavailable
	}
	if article.DonorID == requesterID {
		return nil, ErrOwnerConflict
	}

	// Step 2: Reserve the article (with compensation)
	if err := r.articles.CompareAndSetStatus(ctx, articleID, articles.StatusAvailable, articles.StatusReserved); err != nil {
		if errors.Is(err, articles.ErrStatusChanged) {
			return nil, ErrArticleUnavailable
		}
		return nil, fmt.Errorf("failed to reserve article: %w", err)
	}

	compensation := func() {
		r.logger.Warn().Str("article_id", articleID.String()).Msg("compensating failed issue: releasing article")
		if err := r.articles.CompareAndSetStatus(context.WithoutCancel(ctx), articleID, articles.StatusReserved, articles.StatusAvailable); err != nil {
			r.logger.Error().Err(err).Str("article_id", articleID.String()).Msg("failed to release article")
		}
	}

	// Step 3: Allocate a code no active request holds
	for attempt := 1; attempt <= r.opts.MaxIssueAttempts; attempt++ {
		code := r.gen.Generate()
		inUse, err := r.store.CodeInUse(ctx, code)
		if err != nil {
			compensation()
			return nil, err
		}
		if inUse {
			span.AddEvent("code.collision", trace.WithAttributes(attribute.Int("attempt", attempt)))
			continue
		}

		now := r.now()
		req := &DonationRequest{
			ID:           uuid.New(),
			ArticleID:    articleID,
			ArticleTitle: article.Title,
			DonorID:      article.DonorID,
			RequesterID:  requesterID,
			Message:      message,
			AccessCode:   code,
			Status:       StatusPending,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = r.store.Create(ctx, req)
		if errors.Is(err, ErrCodeTaken) {
			span.AddEvent("code.collision", trace.WithAttributes(attribute.Int("attempt", attempt)))
			continue
		}
		if err != nil {
			compensation()
			return nil, err
		}

		span.SetAttributes(attribute.String("request.id", req.ID.String()))
		return req, nil
	}

	compensation()
	span.SetStatus(codes.Error, "code space exhausted")
	return nil, ErrCodeSpaceExhausted
}

// Activate approves a pending request for lockerID. The returned request
// carries the code assigned at issue; activation never changes it.
func (r *Registry) Activate(ctx context.Context, requestID uuid.UUID, approverID, lockerID, lockerLocation string) (*DonationRequest, error) {
	ctx, span := r.tracer.Start(ctx, "registry.activate",
		trace.WithAttributes(
			attribute.String("request.id", requestID.String()),
			attribute.String("locker.id", lockerID),
		))
	defer span.End()

	if lockerID == "" {
		return nil, ErrMissingLocker
	}

	req, err := r.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.DonorID != approverID {
		return nil, ErrForbidden
	}
	if req.Status != StatusPending {
		return nil, ErrInvalidState
	}

	updated, err := r.store.Transition(ctx, Transition{
		ID:             requestID,
		From:           StatusPending,
		To:             StatusApproved,
		At:             r.now(),
		LockerID:       lockerID,
		LockerLocation: lockerLocation,
	})
	if errors.Is(err, ErrStatusChanged) {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Redeem looks code up among approved requests. Every failure is
// ErrInvalidCode; DenialReason recovers the cause for audit logs.
// Redemption does not change status, so the code keeps working until the
// request is completed.
func (r *Registry) Redeem(ctx context.Context, code, lockerID, location string) (*Snapshot, error) {
	ctx, span := r.tracer.Start(ctx, "registry.redeem",
		trace.WithAttributes(attribute.String("locker.id", lockerID)))
	defer span.End()

	if !accesscode.Valid(code) {
		return nil, invalidCode("malformed code")
	}

	matches, err := r.store.FindApprovedByCode(ctx, code, 2)
	if err != nil {
		return nil, err
	}
	switch {
	case len(matches) == 0:
		return nil, invalidCode("no approved request holds this code")
	case len(matches) > 1:
		r.logger.Error().Str("locker_id", lockerID).Msg("access code held by more than one approved request")
		return nil, invalidCode("ambiguous code")
	}

	req := matches[0]
	if req.Status != StatusApproved {
		return nil, invalidCode("request not approved")
	}

	mismatch := req.LockerID != "" && req.LockerID != lockerID
	if mismatch && r.opts.EnforceBinding {
		return nil, invalidCode("locker mismatch")
	}

	now := r.now()
	snap := &Snapshot{
		RequestID:      req.ID,
		ArticleID:      req.ArticleID,
		ArticleTitle:   req.ArticleTitle,
		DonorID:        req.DonorID,
		RequesterID:    req.RequesterID,
		LockerID:       req.LockerID,
		LockerLocation: req.LockerLocation,
		Status:         req.Status,
		AccessedAt:     now,
		LockerMismatch: mismatch,
	}

	if article, err := r.articles.Get(ctx, req.ArticleID); err == nil {
		snap.ArticleTitle = article.Title
		snap.ArticleDescription = article.Description
		snap.ArticleCategory = article.Category
	} else {
		r.logger.Warn().Err(err).Str("article_id", req.ArticleID.String()).Msg("article lookup failed during redeem")
	}

	if location == "" {
		location = lockerID
	}
	if err := r.store.TouchAccess(ctx, req.ID, now, location); err != nil {
		r.logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("failed to record last access")
	}

	span.SetAttributes(
		attribute.String("request.id", req.ID.String()),
		attribute.Bool("locker.mismatch", mismatch),
	)
	return snap, nil
}

// CountActiveForLocker returns the number of approved requests bound to lockerID.
func (r *Registry) CountActiveForLocker(ctx context.Context, lockerID string) (int, error) {
	return r.store.CountApprovedForLocker(ctx, lockerID)
}
