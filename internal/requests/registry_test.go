package requests

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"lockershare/internal/articles"
	"lockershare/internal/identity"
)

func TestRedeemIsRepeatableWhileApproved(t *testing.T) {
	f := newFixture(t).permissive()
	req := f.approved(t, "L-01")

	first, err := f.registry.Redeem(context.Background(), req.AccessCode, "L-01", "Plaza central")
	require.NoError(t, err)
	second, err := f.registry.Redeem(context.Background(), req.AccessCode, "L-01", "Plaza central")
	require.NoError(t, err)

	assert.Equal(t, req.ID, first.RequestID)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, "Bicicleta", first.ArticleTitle)
	assert.Equal(t, "Rodado 26", first.ArticleDescription)
	assert.Equal(t, "deportes", first.ArticleCategory)
	assert.False(t, first.LockerMismatch)

	stored, err := f.store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	require.NotNil(t, stored.LastAccessAt)
	assert.Equal(t, "Plaza central", stored.AccessLocation)
}

func TestRedeemWithoutLocationRecordsLocker(t *testing.T) {
	f := newFixture(t).permissive()
	req := f.approved(t, "L-01")

	_, err := f.registry.Redeem(context.Background(), req.AccessCode, "L-01", "")
	require.NoError(t, err)

	stored, err := f.store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "L-01", stored.AccessLocation)
}

func TestRedeemFailsIdenticallyForUnusableCodes(t *testing.T) {
	f := newFixture(t, withCodes("1111", "2222", "3333")).permissive()
	ctx := context.Background()

	pending := f.create(t)
	require.Equal(t, "1111", pending.AccessCode)

	rejectedArticle := uuid.New()
	f.articles.Put(articles.Article{ID: rejectedArticle, Title: "Silla", DonorID: donor.UserID, Status: articles.StatusAvailable})
	rejected, err := f.svc.CreateRequest(ctx, requester, rejectedArticle, "")
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, donor, rejected.ID, "")
	require.NoError(t, err)

	completedArticle := uuid.New()
	f.articles.Put(articles.Article{ID: completedArticle, Title: "Lámpara", DonorID: donor.UserID, Status: articles.StatusAvailable})
	completed, err := f.svc.CreateRequest(ctx, requester, completedArticle, "")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, donor, completed.ID, "L-01", "")
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, donor, completed.ID)
	require.NoError(t, err)

	codes := map[string]string{
		"pending":   pending.AccessCode,
		"rejected":  rejected.AccessCode,
		"completed": completed.AccessCode,
		"unknown":   "9999",
		"malformed": "12a4",
		"short":     "123",
	}
	for name, code := range codes {
		t.Run(name, func(t *testing.T) {
			snap, err := f.registry.Redeem(ctx, code, "L-01", "")
			assert.Nil(t, snap)
			require.ErrorIs(t, err, ErrInvalidCode)
			e := mustAppErr(t, err)
			assert.Equal(t, ErrInvalidCode.Code, e.Code)
			assert.Equal(t, ErrInvalidCode.Message, e.Message)
			assert.NotEmpty(t, DenialReason(err))
		})
	}
}

func TestRedeemLockerBindingInformational(t *testing.T) {
	f := newFixture(t).permissive()
	req := f.approved(t, "L-01")

	snap, err := f.registry.Redeem(context.Background(), req.AccessCode, "L-02", "")
	require.NoError(t, err)
	assert.True(t, snap.LockerMismatch)
	assert.Equal(t, "L-01", snap.LockerID)
}

func TestRedeemLockerBindingEnforced(t *testing.T) {
	f := newFixture(t, withBinding()).permissive()
	req := f.approved(t, "L-01")

	_, err := f.registry.Redeem(context.Background(), req.AccessCode, "L-02", "")
	require.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, "locker mismatch", DenialReason(err))

	snap, err := f.registry.Redeem(context.Background(), req.AccessCode, "L-01", "")
	require.NoError(t, err)
	assert.False(t, snap.LockerMismatch)
}

func TestCountActiveForLocker(t *testing.T) {
	f := newFixture(t).permissive()
	f.approved(t, "L-01")

	n, err := f.registry.CountActiveForLocker(context.Background(), "L-01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.registry.CountActiveForLocker(context.Background(), "L-02")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestLifecycleStateMachine drives random action sequences against one
// request and checks the outcome against a model of the lifecycle.
func TestLifecycleStateMachine(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t).permissive()
		ctx := context.Background()
		req, err := f.svc.CreateRequest(ctx, requester, f.articleID, "")
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		model := StatusPending
		callers := []identity.Caller{donor, requester, stranger}
		actions := []string{"approve", "reject", "complete", "redeem"}

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom(actions).Draw(rt, "action")
			caller := rapid.SampledFrom(callers).Draw(rt, "caller")

			var err error
			var want Status
			allowed := false
			switch action {
			case "approve":
				_, err = f.svc.Approve(ctx, caller, req.ID, "L-01", "")
				want, allowed = StatusApproved, caller.UserID == donor.UserID
			case "reject":
				_, err = f.svc.Reject(ctx, caller, req.ID, "")
				want, allowed = StatusRejected, caller.UserID == donor.UserID
			case "complete":
				_, err = f.svc.Complete(ctx, caller, req.ID)
				want, allowed = StatusCompleted, caller.UserID != stranger.UserID
			case "redeem":
				_, err = f.registry.Redeem(ctx, req.AccessCode, "L-01", "")
				if (err == nil) != (model == StatusApproved) {
					rt.Fatalf("redeem in %s: err=%v", model, err)
				}
				continue
			}

			switch {
			case !allowed:
				if err == nil {
					rt.Fatalf("%s by %s succeeded", action, caller.UserID)
				}
			case CanTransition(model, want):
				if err != nil {
					rt.Fatalf("%s from %s: %v", action, model, err)
				}
				model = want
			default:
				if !errors.Is(err, ErrInvalidState) {
					rt.Fatalf("%s from %s: want invalid state, got %v", action, model, err)
				}
			}

			got, gerr := f.store.Get(ctx, req.ID)
			if gerr != nil {
				rt.Fatalf("get: %v", gerr)
			}
			if got.Status != model {
				rt.Fatalf("status %s, model %s", got.Status, model)
			}
			if got.AccessCode != req.AccessCode {
				rt.Fatalf("code changed from %s to %s", req.AccessCode, got.AccessCode)
			}
			if as := f.articleStatus(t); as != articleStatusFor(model) {
				rt.Fatalf("article %s for request %s", as, model)
			}
		}
	})
}

func articleStatusFor(s Status) articles.Status {
	switch s {
	case StatusRejected:
		return articles.StatusAvailable
	case StatusCompleted:
		return articles.StatusDonated
	default:
		return articles.StatusReserved
	}
}
