// internal/requests/implementation.go
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lockershare/internal/articles"
	"lockershare/internal/identity"
	"lockershare/internal/notify"
	"lockershare/pkg/eventstore"
)

// Enqueuer accepts best-effort side effects. *notify.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(t notify.Task) bool
}

// Dependencies wires the service. Lockers and Directory may be nil.
type Dependencies struct {
	Registry   *Registry
	Store      Store
	Articles   articles.Store
	Events     eventstore.Log
	Dispatcher Enqueuer
	Notifier   notify.Notifier
	Lockers    notify.LockerChannel
	Directory  identity.Directory
	Logger     zerolog.Logger
}

// service implements the Service interface.
type service struct {
	registry   *Registry
	store      Store
	articles   articles.Store
	events     eventstore.Log
	dispatcher Enqueuer
	notifier   notify.Notifier
	lockers    notify.LockerChannel
	directory  identity.Directory
	logger     zerolog.Logger
}

// NewService creates a new request lifecycle service.
func NewService(deps Dependencies) Service {
	return &service{
		registry:   deps.Registry,
		store:      deps.Store,
		articles:   deps.Articles,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		lockers:    deps.Lockers,
		directory:  deps.Directory,
		logger:     deps.Logger,
	}
}

func (s *service) CreateRequest(ctx context.Context, caller identity.Caller, articleID uuid.UUID, message string) (*DonationRequest, error) {
	// Step 1: Issue the code and reserve the article
	req, err := s.registry.Issue(ctx, caller.UserID, articleID, message)
	if err != nil {
		return nil, err
	}

	// Step 2: Record the event
	s.appendEvent(ctx, req, "RequestIssued", RequestIssuedEvent{
		RequestID:   req.ID,
		ArticleID:   req.ArticleID,
		DonorID:     req.DonorID,
		RequesterID: req.RequesterID,
	})

	// Step 3: Tell the donor
	requesterName := caller.Name
	s.notifyLater(req.DonorID, func(ctx context.Context) notify.Notification {
		name := requesterName
		if name == "" {
			name = s.displayName(ctx, req.RequesterID, "Usuario")
		}
		return notify.Notification{
			Type:    notify.TypeNewRequest,
			Title:   "Nueva solicitud",
			Message: fmt.Sprintf("%s quiere tu artículo \"%s\"", name, req.ArticleTitle),
			Data: map[string]any{
				"requestId": req.ID.String(),
				"articleId": req.ArticleID.String(),
			},
		}
	})

	return req, nil
}

func (s *service) Approve(ctx context.Context, caller identity.Caller, requestID uuid.UUID, lockerID, lockerLocation string) (*DonationRequest, error) {
	// Step 1: Activate the code for the locker
	req, err := s.registry.Activate(ctx, requestID, caller.UserID, lockerID, lockerLocation)
	if err != nil {
		return nil, err
	}

	// Step 2: Record the event
	s.appendEvent(ctx, req, "RequestApproved", RequestApprovedEvent{
		RequestID:      req.ID,
		ApprovedBy:     caller.UserID,
		LockerID:       req.LockerID,
		LockerLocation: req.LockerLocation,
	})

	// Step 3: Push the code to the locker
	if s.lockers != nil {
		msg := notify.LockerMessage{
			AccessCode: req.AccessCode,
			Action:     notify.ActionActivate,
			Message:    "Codigo: " + req.AccessCode,
			RequestID:  req.ID.String(),
			Timestamp:  time.Now().UnixMilli(),
		}
		lockerID := req.LockerID
		s.enqueue(notify.Task{
			Kind: "locker.activate",
			Sink: "locker:" + lockerID,
			Run: func(ctx context.Context) error {
				err := s.lockers.Publish(ctx, lockerID, msg)
				if errors.Is(err, notify.ErrLockerOffline) {
					return notify.Permanent(err)
				}
				return err
			},
		})
	}

	// Step 4: Tell the requester
	s.notifyLater(req.RequesterID, func(context.Context) notify.Notification {
		return notify.Notification{
			Type:    notify.TypeRequestApproved,
			Title:   "Solicitud aprobada",
			Message: fmt.Sprintf("Tu solicitud de \"%s\" fue aprobada. Código de acceso: %s", req.ArticleTitle, req.AccessCode),
			Data: map[string]any{
				"requestId":      req.ID.String(),
				"accessCode":     req.AccessCode,
				"lockerId":       req.LockerID,
				"lockerLocation": req.LockerLocation,
			},
		}
	})

	return req, nil
}

func (s *service) Reject(ctx context.Context, caller identity.Caller, requestID uuid.UUID, reason string) (*DonationRequest, error) {
	// Step 1: Move the request to rejected
	req, err := s.transition(ctx, requestID, Transition{
		From:            StatusPending,
		To:              StatusRejected,
		RejectionReason: reason,
	}, func(r *DonationRequest) bool { return r.DonorID == caller.UserID })
	if err != nil {
		return nil, err
	}

	// Step 2: Release the article
	s.moveArticle(ctx, req.ArticleID, articles.StatusReserved, articles.StatusAvailable)

	// Step 3: Record the event and tell the requester
	s.appendEvent(ctx, req, "RequestRejected", RequestRejectedEvent{
		RequestID:  req.ID,
		RejectedBy: caller.UserID,
		Reason:     reason,
	})
	s.notifyLater(req.RequesterID, func(context.Context) notify.Notification {
		msg := fmt.Sprintf("Tu solicitud de \"%s\" fue rechazada", req.ArticleTitle)
		if reason != "" {
			msg += ": " + reason
		}
		return notify.Notification{
			Type:    notify.TypeRequestRejected,
			Title:   "Solicitud rechazada",
			Message: msg,
			Data:    map[string]any{"requestId": req.ID.String()},
		}
	})

	return req, nil
}

func (s *service) Complete(ctx context.Context, caller identity.Caller, requestID uuid.UUID) (*DonationRequest, error) {
	// Step 1: Move the request to completed
	req, err := s.transition(ctx, requestID, Transition{
		From: StatusApproved,
		To:   StatusCompleted,
	}, func(r *DonationRequest) bool { return r.IsParty(caller.UserID) })
	if err != nil {
		return nil, err
	}

	// Step 2: Mark the article donated
	s.moveArticle(ctx, req.ArticleID, articles.StatusReserved, articles.StatusDonated)

	// Step 3: Record the event and tell the other party
	s.appendEvent(ctx, req, "RequestCompleted", RequestCompletedEvent{
		RequestID:   req.ID,
		CompletedBy: caller.UserID,
	})
	other := req.DonorID
	if caller.UserID == req.DonorID {
		other = req.RequesterID
	}
	s.notifyLater(other, func(context.Context) notify.Notification {
		return notify.Notification{
			Type:    notify.TypeRequestCompleted,
			Title:   "Retiro confirmado",
			Message: fmt.Sprintf("La donación de \"%s\" se completó", req.ArticleTitle),
			Data:    map[string]any{"requestId": req.ID.String()},
		}
	})

	return req, nil
}

// transition checks existence, authority and state in that order, then
// applies t with compare-and-set. Nothing is mutated on failure.
func (s *service) transition(ctx context.Context, requestID uuid.UUID, t Transition, allowed func(*DonationRequest) bool) (*DonationRequest, error) {
	current, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !allowed(current) {
		return nil, ErrForbidden
	}
	if current.Status != t.From || !CanTransition(t.From, t.To) {
		return nil, ErrInvalidState
	}

	t.ID = requestID
	t.At = time.Now().UTC()
	updated, err := s.store.Transition(ctx, t)
	if errors.Is(err, ErrStatusChanged) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Get(ctx context.Context, caller identity.Caller, requestID uuid.UUID) (*DonationRequest, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(caller.UserID) && !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	return req, nil
}

func (s *service) ListMine(ctx context.Context, caller identity.Caller) ([]DonationRequest, error) {
	return s.store.ListByRequester(ctx, caller.UserID)
}

func (s *service) ListReceived(ctx context.Context, caller identity.Caller) ([]DonationRequest, error) {
	return s.store.ListByDonor(ctx, caller.UserID)
}

func (s *service) History(ctx context.Context, caller identity.Caller, requestID uuid.UUID) ([]eventstore.Event, error) {
	if _, err := s.Get(ctx, caller, requestID); err != nil {
		return nil, err
	}
	events, err := s.events.Load(ctx, requestID, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	return events, nil
}

// appendEvent records a transition after it has been applied. The request
// row is authoritative, so a failed append is logged and not surfaced.
func (s *service) appendEvent(ctx context.Context, req *DonationRequest, eventType string, payload any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event data")
		return
	}
	event := eventstore.Event{
		Type:     eventType,
		Data:     data,
		Metadata: eventstore.Metadata{"status": string(req.Status)},
	}
	if err := s.events.Append(ctx, req.ID, streamType, req.Version-1, event); err != nil {
		s.logger.Error().Err(err).
			Str("request_id", req.ID.String()).
			Str("event_type", eventType).
			Int("version", req.Version).
			Msg("failed to append event")
	}
}

// moveArticle applies an article status change that follows a request
// transition. A failed write is retried in the background; a status that
// has already moved on is only logged.
func (s *service) moveArticle(ctx context.Context, articleID uuid.UUID, from, to articles.Status) {
	err := s.articles.CompareAndSetStatus(ctx, articleID, from, to)
	if err == nil {
		return
	}
	log := s.logger.With().Str("article_id", articleID.String()).Str("to", string(to)).Logger()
	if errors.Is(err, articles.ErrStatusChanged) || errors.Is(err, articles.ErrNotFound) {
		log.Warn().Err(err).Msg("article status not updated")
		return
	}
	log.Error().Err(err).Msg("article status update failed, retrying in background")
	s.enqueue(notify.Task{
		Kind: "article.status",
		Sink: "articles",
		Run: func(ctx context.Context) error {
			err := s.articles.CompareAndSetStatus(ctx, articleID, from, to)
			if errors.Is(err, articles.ErrStatusChanged) {
				return nil
			}
			return err
		},
	})
}

func (s *service) notifyLater(userID string, build func(context.Context) notify.Notification) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.enqueue(notify.Task{
		Kind: "notify",
		Sink: "notifications",
		Run: func(ctx context.Context) error {
			n := build(ctx)
			n.UserID = userID
			return s.notifier.Notify(ctx, n)
		},
	})
}

func (s *service) enqueue(t notify.Task) {
	if s.dispatcher == nil {
		return
	}
	if !s.dispatcher.Enqueue(t) {
		s.logger.Warn().Str("task", t.Kind).Msg("side effect dropped")
	}
}

func (s *service) displayName(ctx context.Context, userID, fallback string) string {
	if s.directory == nil {
		return fallback
	}
	u, err := s.directory.Lookup(ctx, userID)
	if err != nil {
		return fallback
	}
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return fallback
}
