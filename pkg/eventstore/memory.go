package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Log held in process, for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	lastID  int64
	streams map[uuid.UUID][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[uuid.UUID][]Event)}
}

func (m *MemoryStore) Append(_ context.Context, streamID uuid.UUID, streamType string, expected int, events ...Event) error {
	if expected < 0 {
		return ErrNegativeVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[streamID]
	if len(stream) != expected {
		return ErrVersionConflict
	}
	now := time.Now().UTC()
	for i, e := range events {
		m.lastID++
		e.ID = m.lastID
		e.StreamID = streamID
		e.StreamType = streamType
		e.Version = expected + i + 1
		e.RecordedAt = now
		stream = append(stream, e)
	}
	m.streams[streamID] = stream
	return nil
}

func (m *MemoryStore) Load(_ context.Context, streamID uuid.UUID, from, to int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Event{}
	for _, e := range m.streams[streamID] {
		if e.Version < from || (to > 0 && e.Version > to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
