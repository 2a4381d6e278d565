// internal/requests/memory.go
package requests

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]DonationRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[uuid.UUID]DonationRequest)}
}

func (m *MemoryStore) Create(_ context.Context, r *DonationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.codeInUseLocked(r.AccessCode) {
		return ErrCodeTaken
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*DonationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) CodeInUse(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeInUseLocked(code), nil
}

func (m *MemoryStore) codeInUseLocked(code string) bool {
	for _, r := range m.requests {
		if r.AccessCode == code && !r.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) FindApprovedByCode(_ context.Context, code string, limit int) ([]DonationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DonationRequest
	for _, r := range m.requests {
		if r.AccessCode == code && r.Status == StatusApproved {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, t Transition) (*DonationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[t.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != t.From {
		return nil, ErrStatusChanged
	}
	applyTransition(&r, t)
	m.requests[t.ID] = r
	return &r, nil
}

func (m *MemoryStore) TouchAccess(_ context.Context, id uuid.UUID, at time.Time, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.LastAccessAt = &at
	r.AccessLocation = location
	m.requests[id] = r
	return nil
}

func (m *MemoryStore) ListByRequester(_ context.Context, userID string) ([]DonationRequest, error) {
	return m.list(func(r DonationRequest) bool { return r.RequesterID == userID }), nil
}

func (m *MemoryStore) ListByDonor(_ context.Context, userID string) ([]DonationRequest, error) {
	return m.list(func(r DonationRequest) bool { return r.DonorID == userID }), nil
}

func (m *MemoryStore) CountApprovedForLocker(_ context.Context, lockerID string) (int, error) {
	return len(m.list(func(r DonationRequest) bool {
		return r.Status == StatusApproved && r.LockerID == lockerID
	})), nil
}

func (m *MemoryStore) list(match func(DonationRequest) bool) []DonationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []DonationRequest{}
	for _, r := range m.requests {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
