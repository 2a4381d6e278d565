package requests

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lockershare/internal/accesscode"
	"lockershare/internal/articles"
	"lockershare/internal/identity"
	"lockershare/internal/notify"
	"lockershare/pkg/eventstore"
)

var (
	donor     = identity.Caller{UserID: "donor-1", Name: "Dana"}
	requester = identity.Caller{UserID: "requester-1", Name: "Rafa"}
	stranger  = identity.Caller{UserID: "stranger-1"}
	admin     = identity.Caller{UserID: "admin-1", Role: identity.RoleAdmin}
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n notify.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type MockLockerChannel struct {
	mock.Mock
}

func (m *MockLockerChannel) Publish(ctx context.Context, lockerID string, msg notify.LockerMessage) error {
	args := m.Called(ctx, lockerID, msg)
	return args.Error(0)
}

// inlineEnqueuer runs tasks on the caller's goroutine so assertions can
// follow the service call directly.
type inlineEnqueuer struct {
	mu    sync.Mutex
	kinds []string
	sinks []string
	errs  []error
}

func (e *inlineEnqueuer) Enqueue(t notify.Task) bool {
	err := t.Run(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, t.Kind)
	e.sinks = append(e.sinks, t.Sink)
	e.errs = append(e.errs, err)
	return true
}

// Result returns the sink and outcome of the first task of kind. The sink
// is empty when no such task ran.
func (e *inlineEnqueuer) Result(kind string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, k := range e.kinds {
		if k == kind {
			return e.sinks[i], e.errs[i]
		}
	}
	return "", nil
}

func (e *inlineEnqueuer) Kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

type fixture struct {
	store      *MemoryStore
	articles   *articles.MemoryStore
	events     *eventstore.MemoryStore
	registry   *Registry
	dispatcher *inlineEnqueuer
	notifier   *MockNotifier
	lockers    *MockLockerChannel
	svc        Service
	articleID  uuid.UUID
}

type fixtureOption func(*RegistryOptions, *[]string)

func withBinding() fixtureOption {
	return func(o *RegistryOptions, _ *[]string) { o.EnforceBinding = true }
}

func withCodes(codes ...string) fixtureOption {
	return func(_ *RegistryOptions, c *[]string) { *c = codes }
}

// newFixture builds a service over in-memory stores with one available
// article owned by donor. Side effects run inline against the mocks, which
// accept any call unless a test sets stricter expectations first.
func newFixture(t testing.TB, opts ...fixtureOption) *fixture {
	t.Helper()

	ropts := RegistryOptions{MaxIssueAttempts: 5}
	var codes []string
	for _, o := range opts {
		o(&ropts, &codes)
	}
	gen := accesscode.NewGenerator(nil)
	if len(codes) > 0 {
		gen = accesscode.Sequence(codes...)
	}

	f := &fixture{
		store:      NewMemoryStore(),
		events:     eventstore.NewMemoryStore(),
		dispatcher: &inlineEnqueuer{},
		notifier:   &MockNotifier{},
		lockers:    &MockLockerChannel{},
		articleID:  uuid.New(),
	}
	f.articles = articles.NewMemoryStore(articles.Article{
		ID:          f.articleID,
		Title:       "Bicicleta",
		Description: "Rodado 26",
		Category:    "deportes",
		DonorID:     donor.UserID,
		Status:      articles.StatusAvailable,
	})
	f.registry = NewRegistry(f.store, f.articles, gen, ropts, zerolog.Nop())
	f.svc = NewService(Dependencies{
		Registry:   f.registry,
		Store:      f.store,
		Articles:   f.articles,
		Events:     f.events,
		Dispatcher: f.dispatcher,
		Notifier:   f.notifier,
		Lockers:    f.lockers,
		Directory:  identity.NewMemoryDirectory(identity.User{ID: requester.UserID, Name: "Rafa"}),
		Logger:     zerolog.Nop(),
	})
	return f
}

func (f *fixture) permissive() *fixture {
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.lockers.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *fixture) articleStatus(t testing.TB) articles.Status {
	t.Helper()
	a, err := f.articles.Get(context.Background(), f.articleID)
	require.NoError(t, err)
	return a.Status
}

func (f *fixture) create(t testing.TB) *DonationRequest {
	t.Helper()
	req, err := f.svc.CreateRequest(context.Background(), requester, f.articleID, "la necesito")
	require.NoError(t, err)
	return req
}

func (f *fixture) approved(t testing.TB, lockerID string) *DonationRequest {
	t.Helper()
	req := f.create(t)
	approved, err := f.svc.Approve(context.Background(), donor, req.ID, lockerID, "Plaza central")
	require.NoError(t, err)
	return approved
}
