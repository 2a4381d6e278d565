// internal/articles/domain.go
package articles

import (
	"time"

	"github.com/google/uuid"

	"lockershare/internal/apperr"
)

// Status is the donation state of an article.
type Status string

const (
	StatusAvailable Status = "disponible"
	StatusReserved  Status = "reservado"
	StatusDonated   Status = "donado"
)

// Article is a donated item published by DonorID.
type Article struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	Category    string    `json:"category" db:"category"`
	DonorID     string    `json:"donorId" db:"donor_id"`
	Status      Status    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

var (
	ErrNotFound      = apperr.New(apperr.NotFound, "ARTICLE_NOT_FOUND", "article not found")
	ErrStatusChanged = apperr.New(apperr.Conflict, "ARTICLE_STATUS_CHANGED", "article status changed concurrently")
)
