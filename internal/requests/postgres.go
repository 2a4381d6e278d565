// internal/requests/postgres.go
package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const requestColumns = `
	id, article_id, article_title, donor_id, requester_id, message, access_code, status,
	locker_id, locker_location, rejection_reason, access_location, version,
	created_at, updated_at, approved_at, rejected_at, completed_at, last_access_at`

// PostgresStore keeps requests in donation_requests. A partial unique index
// on access_code over pending and approved rows backs ErrCodeTaken.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *DonationRequest) error {
	query := `
		INSERT INTO donation_requests (
			id, article_id, article_title, donor_id, requester_id, message, access_code,
			status, version, created_at, updated_at
		) VALUES (
			:id, :article_id, :article_title, :donor_id, :requester_id, :message, :access_code,
			:status, :version, :created_at, :updated_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*DonationRequest, error) {
	var r DonationRequest
	err := s.db.GetContext(ctx, &r, `SELECT `+requestColumns+` FROM donation_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM donation_requests
			WHERE access_code = $1 AND status IN ('pending', 'approved')
		)
	`, code)
	if err != nil {
		return false, fmt.Errorf("failed to check access code: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FindApprovedByCode(ctx context.Context, code string, limit int) ([]DonationRequest, error) {
	var out []DonationRequest
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+requestColumns+`
		FROM donation_requests
		WHERE access_code = $1 AND status = 'approved'
		LIMIT $2
	`, code, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find request by code: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Transition(ctx context.Context, t Transition) (*DonationRequest, error) {
	query := `
		UPDATE donation_requests SET
			status = $3,
			version = version + 1,
			updated_at = $4,
			locker_id = CASE WHEN $3 = 'approved' THEN $5 ELSE locker_id END,
			locker_location = CASE WHEN $3 = 'approved' THEN $6 ELSE locker_location END,
			rejection_reason = CASE WHEN $3 = 'rejected' THEN $7 ELSE rejection_reason END,
			approved_at = CASE WHEN $3 = 'approved' THEN $4 ELSE approved_at END,
			rejected_at = CASE WHEN $3 = 'rejected' THEN $4 ELSE rejected_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + requestColumns

	var r DonationRequest
	err := s.db.GetContext(ctx, &r, query,
		t.ID, t.From, t.To, t.At, t.LockerID, t.LockerLocation, t.RejectionReason)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, t.ID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusChanged
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition request: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) TouchAccess(ctx context.Context, id uuid.UUID, at time.Time, location string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE donation_requests
		SET last_access_at = $1, access_location = $2
		WHERE id = $3
	`, at, location, id)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByRequester(ctx context.Context, userID string) ([]DonationRequest, error) {
	return s.list(ctx, `requester_id = $1`, userID)
}

func (s *PostgresStore) ListByDonor(ctx context.Context, userID string) ([]DonationRequest, error) {
	return s.list(ctx, `donor_id = $1`, userID)
}

func (s *PostgresStore) list(ctx context.Context, where, userID string) ([]DonationRequest, error) {
	out := []DonationRequest{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+requestColumns+`
		FROM donation_requests
		WHERE `+where+`
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountApprovedForLocker(ctx context.Context, lockerID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM donation_requests
		WHERE locker_id = $1 AND status = 'approved'
	`, lockerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count active codes: %w", err)
	}
	return n, nil
}
