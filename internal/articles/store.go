// internal/articles/store.go
package articles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store is the slice of the article collection the request lifecycle touches.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Article, error)
	// CompareAndSetStatus moves the article from one status to another and
	// fails with ErrStatusChanged when the current status is not from.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to Status) error
}

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Article, error) {
	query := `
		SELECT id, title, description, category, donor_id, status, created_at, updated_at
		FROM articles
		WHERE id = $1
	`
	var a Article
	if err := s.db.GetContext(ctx, &a, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	query := `
		UPDATE articles
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update article status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

// MemoryStore keeps articles in process.
type MemoryStore struct {
	mu       sync.Mutex
	articles map[uuid.UUID]Article
}

func NewMemoryStore(articles ...Article) *MemoryStore {
	s := &MemoryStore{articles: make(map[uuid.UUID]Article)}
	for _, a := range articles {
		s.Put(a)
	}
	return s
}

func (s *MemoryStore) Put(a Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	s.articles[a.ID] = a
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id uuid.UUID, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrStatusChanged
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	s.articles[id] = a
	return nil
}
