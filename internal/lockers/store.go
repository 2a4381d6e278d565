// internal/lockers/store.go
package lockers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"lockershare/internal/postgres"
)

// Store persists lockers, their access log and hardware events.
type Store interface {
	Get(ctx context.Context, id string) (*Locker, error)
	// Upsert registers l or refreshes its metadata, reporting whether it
	// was created. Counters survive a refresh.
	Upsert(ctx context.Context, l *Locker) (created bool, err error)
	RecordUse(ctx context.Context, id string, action Action, at time.Time) error
	AppendAccessLog(ctx context.Context, entry AccessLog) error
	// RecentAccess returns up to limit entries newer than since, newest first.
	RecentAccess(ctx context.Context, lockerID string, since time.Time, limit int) ([]AccessLog, error)
	AppendEvent(ctx context.Context, e Event) error
	// Touch sets last_seen, reporting whether the locker exists.
	Touch(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkStale sets active lockers not seen since before to offline.
	MarkStale(ctx context.Context, before time.Time) (int64, error)
}

// PostgresStore runs on the pgx pool.
type PostgresStore struct {
	db postgres.SQLExecutor
}

func NewPostgresStore(db postgres.SQLExecutor) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Locker, error) {
	var l Locker
	err := s.db.QueryRow(ctx, `
		SELECT id, name, location, status, ip_address, mac_address, firmware_version,
			total_uses, total_donations, total_pickups, last_used, last_seen, last_event,
			last_maintenance, created_at, updated_at
		FROM lockers WHERE id = $1
	`, id).Scan(
		&l.ID, &l.Name, &l.Location, &l.Status, &l.IPAddress, &l.MACAddress, &l.FirmwareVersion,
		&l.TotalUses, &l.TotalDonations, &l.TotalPickups, &l.LastUsed, &l.LastSeen, &l.LastEvent,
		&l.LastMaintenance, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLockerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get locker: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, l *Locker) (bool, error) {
	var created bool
	err := s.db.QueryRow(ctx, `
		INSERT INTO lockers (id, name, location, status, ip_address, mac_address, firmware_version, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			status = EXCLUDED.status,
			ip_address = EXCLUDED.ip_address,
			mac_address = EXCLUDED.mac_address,
			firmware_version = EXCLUDED.firmware_version,
			last_seen = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)
	`, l.ID, l.Name, l.Location, l.Status, l.IPAddress, l.MACAddress, l.FirmwareVersion, l.UpdatedAt).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert locker: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) RecordUse(ctx context.Context, id string, action Action, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE lockers SET
			total_uses = total_uses + 1,
			total_donations = total_donations + CASE WHEN $2::text = 'DONATE' THEN 1 ELSE 0 END,
			total_pickups = total_pickups + CASE WHEN $2::text = 'RECEIVE' THEN 1 ELSE 0 END,
			last_used = $3,
			updated_at = $3
		WHERE id = $1
	`, id, string(action), at)
	if err != nil {
		return fmt.Errorf("failed to update locker stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockerNotFound
	}
	return nil
}

func (s *PostgresStore) AppendAccessLog(ctx context.Context, e AccessLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO access_logs (locker_id, access_code, user_id, success, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.LockerID, e.AccessCode, e.UserID, e.Success, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentAccess(ctx context.Context, lockerID string, since time.Time, limit int) ([]AccessLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, locker_id, access_code, user_id, success, reason, created_at
		FROM access_logs
		WHERE locker_id = $1 AND created_at > $2
		ORDER BY created_at DESC
		LIMIT $3
	`, lockerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query access logs: %w", err)
	}
	defer rows.Close()

	out := []AccessLog{}
	for rows.Next() {
		var e AccessLog
		if err := rows.Scan(&e.ID, &e.LockerID, &e.AccessCode, &e.UserID, &e.Success, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO locker_events (locker_id, event_type, details, reported_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.LockerID, e.Type, details, e.ReportedAt, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert locker event: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE lockers SET last_event = $2, last_seen = $3 WHERE id = $1
	`, e.LockerID, e.Type, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to update last event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE lockers SET last_seen = $2 WHERE id = $1`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to touch locker: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE lockers SET status = 'offline', updated_at = NOW()
		WHERE status = 'active' AND (last_seen IS NULL OR last_seen < $1)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale lockers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryStore keeps lockers in process.
type MemoryStore struct {
	mu      sync.Mutex
	lockers map[string]Locker
	logs    []AccessLog
	events  []Event
}

func NewMemoryStore(lockers ...Locker) *MemoryStore {
	s := &MemoryStore{lockers: make(map[string]Locker)}
	for _, l := range lockers {
		if l.Status == "" {
			l.Status = StatusActive
		}
		s.lockers[l.ID] = l
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Locker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[id]
	if !ok {
		return nil, ErrLockerNotFound
	}
	return &l, nil
}

func (s *MemoryStore) Upsert(_ context.Context, l *Locker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := l.UpdatedAt
	existing, ok := s.lockers[l.ID]
	if !ok {
		n := *l
		n.CreatedAt = seen
		n.LastSeen = &seen
		s.lockers[l.ID] = n
		return true, nil
	}
	existing.Name = l.Name
	existing.Location = l.Location
	existing.Status = l.Status
	existing.IPAddress = l.IPAddress
	existing.MACAddress = l.MACAddress
	existing.FirmwareVersion = l.FirmwareVersion
	existing.LastSeen = &seen
	existing.UpdatedAt = seen
	s.lockers[l.ID] = existing
	return false, nil
}

func (s *MemoryStore) RecordUse(_ context.Context, id string, action Action, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[id]
	if !ok {
		return ErrLockerNotFound
	}
	l.TotalUses++
	switch action {
	case ActionDonate:
		l.TotalDonations++
	case ActionReceive:
		l.TotalPickups++
	}
	l.LastUsed = &at
	l.UpdatedAt = at
	s.lockers[id] = l
	return nil
}

func (s *MemoryStore) AppendAccessLog(_ context.Context, e AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, e)
	return nil
}

func (s *MemoryStore) RecentAccess(_ context.Context, lockerID string, since time.Time, limit int) ([]AccessLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []AccessLog{}
	for _, e := range s.logs {
		if e.LockerID == lockerID && e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	if l, ok := s.lockers[e.LockerID]; ok {
		at := e.CreatedAt
		l.LastEvent = e.Type
		l.LastSeen = &at
		s.lockers[e.LockerID] = l
	}
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lockers[id]
	if !ok {
		return false, nil
	}
	l.LastSeen = &at
	s.lockers[id] = l
	return true, nil
}

func (s *MemoryStore) MarkStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.lockers {
		if l.Status != StatusActive {
			continue
		}
		if l.LastSeen == nil || l.LastSeen.Before(before) {
			l.Status = StatusOffline
			s.lockers[id] = l
			n++
		}
	}
	return n, nil
}

// AccessLogs returns a copy of every logged attempt.
func (s *MemoryStore) AccessLogs() []AccessLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AccessLog(nil), s.logs...)
}

// Events returns a copy of every recorded hardware event.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
