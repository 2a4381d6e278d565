// internal/notify/notifier.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lockershare/internal/postgres"
)

// Notification is a user-facing message.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

const (
	TypeNewRequest       = "new_request"
	TypeRequestApproved  = "request_approved"
	TypeRequestRejected  = "request_rejected"
	TypeRequestCompleted = "request_completed"
	TypeLockerAccess     = "locker_access"
	TypeVerificationCode = "verification_code"
)

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Inbox stores notifications in the notifications table, where client apps
// poll or receive them through the push layer.
type Inbox struct {
	db postgres.SQLExecutor
}

func NewInbox(db postgres.SQLExecutor) *Inbox {
	return &Inbox{db: db}
}

func (i *Inbox) Notify(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal notification data: %w", err)
	}
	_, err = i.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no database-backed
// inbox is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info().
		Str("user_id", n.UserID).
		Str("type", n.Type).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}
