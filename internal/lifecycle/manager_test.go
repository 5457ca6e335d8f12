package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MEKXH/giftbot/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC))
	s, err := store.Open(context.Background(),
		store.NewFileBackend(filepath.Join(t.TempDir(), "users.json")),
		store.WithClock(clock))
	require.NoError(t, err)
	return NewManager(s), clock
}

func starsPayload() store.Payload {
	return store.Payload{Amount: 25, TargetHandle: "@friend", DeliverAt: "01.03.2027 12:00"}
}

func TestManager_CreateAndAcceptFlow(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, 100, store.KindStars, starsPayload())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("stars_100_%d", clock.Now().Unix()), req.ID)
	assert.Equal(t, store.StatusPending, req.Status)
	assert.Equal(t, int64(100), req.OwnerID)

	kind, ok, err := m.HasActive(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.KindStars, kind)

	clock.Advance(10 * time.Second)
	accepted, err := m.Accept(ctx, req.ID, ActorManual)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAccepted, accepted.Status)
	assert.Equal(t, clock.Now().UTC(), accepted.ResolvedAt)
	assert.Equal(t, string(ActorManual), accepted.ResolvedBy)
	assert.Equal(t, starsPayload(), accepted.Payload)

	_, ok, err = m.HasActive(ctx, 100)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, found, err := m.Lookup(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), owner)
	assert.Equal(t, store.StatusAccepted, found.Status)
}

func TestManager_CreateRejectsSecondActiveRequestOfAnyKind(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, 1, store.KindStars, starsPayload())
	require.NoError(t, err)

	_, err = m.Create(ctx, 1, store.KindPremium, store.Payload{DurationMonths: 3})
	require.ErrorIs(t, err, ErrAlreadyActive)
	_, err = m.Create(ctx, 1, store.KindStars, starsPayload())
	require.ErrorIs(t, err, ErrAlreadyActive)

	_, err = m.Accept(ctx, first.ID, ActorManual)
	require.NoError(t, err)

	second, err := m.Create(ctx, 1, store.KindPremium, store.Payload{DurationMonths: 3})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestManager_CreateUsesUniqueIDWithinSameSecond(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, 9, store.KindStars, starsPayload())
	require.NoError(t, err)
	_, err = m.Accept(ctx, first.ID, ActorAuto)
	require.NoError(t, err)

	second, err := m.Create(ctx, 9, store.KindStars, starsPayload())
	require.NoError(t, err)
	assert.Equal(t, first.ID+"-2", second.ID)
}

func TestManager_CreateInvalidKind(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), 1, store.Kind("diamonds"), store.Payload{})
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestManager_ConcurrentCreateOnlyOneSucceeds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const attempts = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		kind := store.KindStars
		if i%2 == 1 {
			kind = store.KindPremium
		}
		wg.Add(1)
		go func(kind store.Kind) {
			defer wg.Done()
			_, err := m.Create(ctx, 77, kind, store.Payload{})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(kind)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(attempts-1), rejected.Load())

	all, err := m.Store().LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all[77].ActiveRequests, 1)
	assert.Len(t, all[77].History, 1)
}

func TestManager_ConcurrentAcceptResolvesOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, 5, store.KindPremium, store.Payload{DurationMonths: 6})
	require.NoError(t, err)

	const callers = 16
	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		resolved atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Accept(ctx, req.ID, ActorAuto)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrAlreadyResolved):
				resolved.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(callers-1), resolved.Load())
}

func TestManager_AcceptUnknownRequest(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Accept(context.Background(), "stars_1_1", ActorManual)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = m.Lookup(context.Background(), "stars_1_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_CompleteActiveRequest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Complete(ctx, 3, store.KindStars)
	require.ErrorIs(t, err, ErrNotFound)

	req, err := m.Create(ctx, 3, store.KindStars, starsPayload())
	require.NoError(t, err)

	id, err := m.Complete(ctx, 3, store.KindStars)
	require.NoError(t, err)
	assert.Equal(t, req.ID, id)

	_, found, err := m.Lookup(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, found.Status)
	assert.False(t, found.ResolvedAt.IsZero())

	_, err = m.Accept(ctx, req.ID, ActorAuto)
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestManager_CompleteByIDAfterAccept(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, 4, store.KindPremium, store.Payload{DurationMonths: 12})
	require.NoError(t, err)
	_, err = m.Accept(ctx, req.ID, ActorManual)
	require.NoError(t, err)

	done, err := m.CompleteByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)

	_, err = m.CompleteByID(ctx, req.ID)
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestManager_CompleteKeepsFirstResolution(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, 6, store.KindStars, starsPayload())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	accepted, err := m.Accept(ctx, req.ID, ActorAuto)
	require.NoError(t, err)
	acceptedAt := accepted.ResolvedAt

	clock.Advance(time.Hour)
	done, err := m.CompleteByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, acceptedAt, done.ResolvedAt)
	assert.Equal(t, string(ActorAuto), done.ResolvedBy)
	assert.Equal(t, clock.Now().UTC(), done.CompletedAt.UTC())

	other, err := m.Create(ctx, 6, store.KindPremium, store.Payload{DurationMonths: 3})
	require.NoError(t, err)
	_, err = m.Accept(ctx, other.ID, ActorManual)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	// The slot was freed by Accept, so closing by slot finds nothing.
	_, err = m.Complete(ctx, 6, store.KindPremium)
	require.ErrorIs(t, err, ErrNotFound)

	_, found, err := m.Lookup(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, string(ActorManual), found.ResolvedBy)
	assert.True(t, found.CompletedAt.IsZero())
}

func TestManager_CompleteFromPendingStampsBoth(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, 8, store.KindStars, starsPayload())
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	done, err := m.CompleteByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, string(ActorAdmin), done.ResolvedBy)
	assert.True(t, done.ResolvedAt.Equal(done.CompletedAt))
}

func TestManager_ExpireSweepFreesSlot(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Create(ctx, 10, store.KindStars, starsPayload())
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	fresh, err := m.Create(ctx, 11, store.KindPremium, store.Payload{DurationMonths: 3})
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	expired, err := m.ExpireSweep(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, store.StatusExpired, expired[0].Status)

	_, ok, err := m.HasActive(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Create(ctx, 10, store.KindPremium, store.Payload{DurationMonths: 6})
	require.NoError(t, err, "expired slot should allow a new submission")

	_, found, err := m.Lookup(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, found.Status)

	_, err = m.Accept(ctx, stale.ID, ActorAuto)
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestManager_PendingOrderedByCreation(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, 2, store.KindStars, starsPayload())
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := m.Create(ctx, 1, store.KindStars, starsPayload())
	require.NoError(t, err)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)
}
