// internal/requests/service.go
package requests

import (
	"context"

	"github.com/google/uuid"

	"lockershare/internal/identity"
	"lockershare/pkg/eventstore"
)

// Service defines the donation request lifecycle.
type Service interface {
	CreateRequest(ctx context.Context, caller identity.Caller, articleID uuid.UUID, message string) (*DonationRequest, error)
	Approve(ctx context.Context, caller identity.Caller, requestID uuid.UUID, lockerID, lockerLocation string) (*DonationRequest, error)
	Reject(ctx context.Context, caller identity.Caller, requestID uuid.UUID, reason string) (*DonationRequest, error)
	Complete(ctx context.Context, caller identity.Caller, requestID uuid.UUID) (*DonationRequest, error)
	Get(ctx context.Context, caller identity.Caller, requestID uuid.UUID) (*DonationRequest, error)
	ListMine(ctx context.Context, caller identity.Caller) ([]DonationRequest, error)
	ListReceived(ctx context.Context, caller identity.Caller) ([]DonationRequest, error)
	History(ctx context.Context, caller identity.Caller, requestID uuid.UUID) ([]eventstore.Event, error)
}
