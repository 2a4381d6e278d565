// Package eventstore keeps an append-only, versioned history per stream.
// A donation request is one stream; its events carry the stream version the
// transition produced.
package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrVersionConflict = errors.New("stream version conflict")
	ErrNegativeVersion = errors.New("expected version must not be negative")
)

// Metadata is free-form context stored next to an event as JSONB.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	return json.Unmarshal(raw, m)
}

// Event is one recorded fact in a stream.
type Event struct {
	ID         int64           `json:"id" db:"id"`
	StreamID   uuid.UUID       `json:"streamId" db:"stream_id"`
	StreamType string          `json:"streamType" db:"stream_type"`
	Type       string          `json:"type" db:"type"`
	Data       json.RawMessage `json:"data" db:"data"`
	Metadata   Metadata        `json:"metadata,omitempty" db:"metadata"`
	Version    int             `json:"version" db:"version"`
	RecordedAt time.Time       `json:"recordedAt" db:"recorded_at"`
}

// Log is implemented by Store and MemoryStore.
type Log interface {
	// Append adds events after expected, the version the caller last saw.
	// A stream that moved on yields ErrVersionConflict.
	Append(ctx context.Context, streamID uuid.UUID, streamType string, expected int, events ...Event) error
	// Load returns events with from <= version <= to in order. A to of
	// zero or less reads to the end of the stream.
	Load(ctx context.Context, streamID uuid.UUID, from, to int) ([]Event, error)
}

// Store is the Postgres Log. The unique (stream_id, version) index turns a
// lost race into ErrVersionConflict.
type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, tracer: otel.Tracer("lockershare/eventstore")}
}

func (s *Store) Append(ctx context.Context, streamID uuid.UUID, streamType string, expected int, events ...Event) (err error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append", trace.WithAttributes(
		attribute.String("stream.id", streamID.String()),
		attribute.String("stream.type", streamType),
		attribute.Int("stream.expected_version", expected),
		attribute.Int("event.count", len(events)),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrVersionConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if expected < 0 {
		return ErrNegativeVersion
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	current, err := version(ctx, tx, streamID)
	if err != nil {
		return err
	}
	if current != expected {
		span.SetAttributes(attribute.Int("stream.version", current))
		return ErrVersionConflict
	}

	now := time.Now().UTC()
	for i := range events {
		e := events[i]
		e.StreamID = streamID
		e.StreamType = streamType
		e.Version = expected + i + 1
		e.RecordedAt = now
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO events (stream_id, stream_type, type, data, metadata, version, recorded_at)
			VALUES (:stream_id, :stream_type, :type, :data, :metadata, :version, :recorded_at)
		`, e)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrVersionConflict
			}
			return fmt.Errorf("failed to insert %s event: %w", e.Type, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, streamID uuid.UUID, from, to int) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Load", trace.WithAttributes(
		attribute.String("stream.id", streamID.String()),
	))
	defer span.End()

	if to <= 0 {
		to = math.MaxInt32
	}
	events := []Event{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, stream_id, stream_type, type, data, metadata, version, recorded_at
		FROM events
		WHERE stream_id = $1 AND version BETWEEN $2 AND $3
		ORDER BY version
	`, streamID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	span.SetAttributes(attribute.Int("event.count", len(events)))
	return events, nil
}

// Version returns the latest version of a stream, zero when it is empty.
func (s *Store) Version(ctx context.Context, streamID uuid.UUID) (int, error) {
	return version(ctx, s.db, streamID)
}

func version(ctx context.Context, q sqlx.QueryerContext, streamID uuid.UUID) (int, error) {
	var v int
	err := sqlx.GetContext(ctx, q, &v, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`, streamID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read stream version: %w", err)
	}
	return v, nil
}
