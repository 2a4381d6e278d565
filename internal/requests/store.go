// internal/requests/store.go
package requests

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transition is a compare-and-set status change. Fields other than the
// status are applied only when they belong to the target state.
type Transition struct {
	ID              uuid.UUID
	From            Status
	To              Status
	At              time.Time
	LockerID        string
	LockerLocation  string
	RejectionReason string
}

// Store persists donation requests.
type Store interface {
	// Create inserts a new request. It returns ErrCodeTaken when another
	// pending or approved request holds the same code.
	Create(ctx context.Context, r *DonationRequest) error
	Get(ctx context.Context, id uuid.UUID) (*DonationRequest, error)
	CodeInUse(ctx context.Context, code string) (bool, error)
	// FindApprovedByCode returns at most limit approved requests holding code.
	FindApprovedByCode(ctx context.Context, code string, limit int) ([]DonationRequest, error)
	// Transition applies t only if the stored status equals t.From, and
	// returns ErrStatusChanged otherwise.
	Transition(ctx context.Context, t Transition) (*DonationRequest, error)
	TouchAccess(ctx context.Context, id uuid.UUID, at time.Time, location string) error
	ListByRequester(ctx context.Context, userID string) ([]DonationRequest, error)
	ListByDonor(ctx context.Context, userID string) ([]DonationRequest, error)
	CountApprovedForLocker(ctx context.Context, lockerID string) (int, error)
}

func applyTransition(r *DonationRequest, t Transition) {
	r.Status = t.To
	r.UpdatedAt = t.At
	r.Version++
	at := t.At
	switch t.To {
	case StatusApproved:
		r.LockerID = t.LockerID
		r.LockerLocation = t.LockerLocation
		r.ApprovedAt = &at
	case StatusRejected:
		r.RejectionReason = t.RejectionReason
		r.RejectedAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	}
}
