// internal/requests/domain.go
package requests

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"lockershare/internal/apperr"
)

// Status is the lifecycle state of a donation request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// DonationRequest records one user asking another for a donated article.
type DonationRequest struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	ArticleID       uuid.UUID  `json:"articleId" db:"article_id"`
	ArticleTitle    string     `json:"articleTitle" db:"article_title"`
	DonorID         string     `json:"donorId" db:"donor_id"`
	RequesterID     string     `json:"requesterId" db:"requester_id"`
	Message         string     `json:"message,omitempty" db:"message"`
	AccessCode      string     `json:"accessCode" db:"access_code"`
	Status          Status     `json:"status" db:"status"`
	LockerID        string     `json:"lockerId,omitempty" db:"locker_id"`
	LockerLocation  string     `json:"lockerLocation,omitempty" db:"locker_location"`
	RejectionReason string     `json:"rejectionReason,omitempty" db:"rejection_reason"`
	AccessLocation  string     `json:"accessLocation,omitempty" db:"access_location"`
	Version         int        `json:"version" db:"version"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty" db:"approved_at"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty" db:"rejected_at"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	LastAccessAt    *time.Time `json:"lastAccessAt,omitempty" db:"last_access_at"`
}

// IsParty reports whether userID is the donor or the requester.
func (r *DonationRequest) IsParty(userID string) bool {
	return userID != "" && (userID == r.DonorID || userID == r.RequesterID)
}

// Snapshot is the read-only view returned by a successful redemption.
type Snapshot struct {
	RequestID          uuid.UUID `json:"requestId"`
	ArticleID          uuid.UUID `json:"articleId"`
	ArticleTitle       string    `json:"articleTitle"`
	ArticleDescription string    `json:"articleDescription,omitempty"`
	ArticleCategory    string    `json:"articleCategory,omitempty"`
	DonorID            string    `json:"donorId"`
	RequesterID        string    `json:"requesterId"`
	LockerID           string    `json:"lockerId"`
	LockerLocation     string    `json:"lockerLocation,omitempty"`
	Status             Status    `json:"status"`
	AccessedAt         time.Time `json:"accessedAt"`
	// LockerMismatch is set when the code was presented at a locker other
	// than the one assigned on approval and binding is not enforced.
	LockerMismatch bool `json:"lockerMismatch,omitempty"`
}

// Event payloads appended to a request's stream.
type RequestIssuedEvent struct {
	RequestID   uuid.UUID `json:"request_id"`
	ArticleID   uuid.UUID `json:"article_id"`
	DonorID     string    `json:"donor_id"`
	RequesterID string    `json:"requester_id"`
}

type RequestApprovedEvent struct {
	RequestID      uuid.UUID `json:"request_id"`
	ApprovedBy     string    `json:"approved_by"`
	LockerID       string    `json:"locker_id"`
	LockerLocation string    `json:"locker_location,omitempty"`
}

type RequestRejectedEvent struct {
	RequestID  uuid.UUID `json:"request_id"`
	RejectedBy string    `json:"rejected_by"`
	Reason     string    `json:"reason,omitempty"`
}

type RequestCompletedEvent struct {
	RequestID   uuid.UUID `json:"request_id"`
	CompletedBy string    `json:"completed_by"`
}

const streamType = "donation_request"

var (
	ErrMissingArticleID   = apperr.New(apperr.InvalidInput, "MISSING_ARTICLE_ID", "articleId is required")
	ErrArticleUnavailable = apperr.New(apperr.Unavailable, "ARTICLE_NOT_AVAILABLE", "article is not available")
	ErrOwnerConflict      = apperr.New(apperr.InvalidInput, "CANNOT_REQUEST_OWN_ARTICLE", "cannot request your own article")
	ErrCodeSpaceExhausted = apperr.New(apperr.Unavailable, "ACCESS_CODE_UNAVAILABLE", "could not allocate an access code, try again")
	ErrNotFound           = apperr.New(apperr.NotFound, "REQUEST_NOT_FOUND", "request not found")
	ErrForbidden          = apperr.New(apperr.Forbidden, "FORBIDDEN", "not allowed to act on this request")
	ErrInvalidState       = apperr.New(apperr.InvalidState, "INVALID_STATE", "transition not allowed from the current status")
	ErrConflict           = apperr.New(apperr.Conflict, "CONCURRENT_UPDATE", "request was modified concurrently")
	ErrMissingLocker      = apperr.New(apperr.InvalidInput, "MISSING_LOCKER_ID", "lockerId is required")
	ErrInvalidCode        = apperr.New(apperr.InvalidInput, "INVALID_CODE", "invalid or expired code")
)

// Store-level sentinels, never returned past the service.
var (
	ErrCodeTaken     = errors.New("access code already held by an active request")
	ErrStatusChanged = errors.New("request status changed")
)

func invalidCode(reason string) error {
	return apperr.Wrap(apperr.InvalidInput, ErrInvalidCode.Code, ErrInvalidCode.Message, errors.New(reason))
}

// DenialReason returns the internal reason behind an ErrInvalidCode, for
// audit logging only.
func DenialReason(err error) string {
	e, ok := apperr.As(err)
	if !ok || !errors.Is(err, ErrInvalidCode) || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
