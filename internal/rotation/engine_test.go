package rotation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store/adapters/memory"
)

const (
	year = 365 * 24 * time.Hour
	day  = 24 * time.Hour
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, store repository.KeyStore) *Engine {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	e, err := New(store, keypair.Ed25519Generator{}, DefaultPolicy(), Options{RetryInitial: time.Millisecond})
	require.NoError(t, err)
	return e
}

// bootstrapAndQueue leaves the engine in ACTIVE_WITH_QUEUED (scenario 2).
func bootstrapAndQueue(t *testing.T, e *Engine) (active, queued *repository.KeyRecord) {
	t.Helper()
	ctx := context.Background()
	res, err := e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, Bootstrapped, res.Transition)

	res, err = e.MaintenanceTick(ctx, t0.Add(year-7*day))
	require.NoError(t, err)
	require.Equal(t, Queued, res.Transition)
	return res.Active, res.Queued
}

func TestScenario_NoQueueOutsideWindow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)

	res, err := e.MaintenanceTick(ctx, t0.Add(year-9*day))
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Transition)
	assert.Equal(t, StateActiveOnly, res.State)

	q, err := e.QueuedKey(ctx, t0.Add(year-9*day))
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestScenario_QueueInsideWindow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	res, err := e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)
	before := res.Active

	now := t0.Add(year - 7*day)
	res, err = e.MaintenanceTick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, Queued, res.Transition)
	require.NotNil(t, res.Created, "no candidates exist, a key must be minted")

	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, res.Queued.ID, q.ID)
	assert.False(t, q.Active)
	assert.True(t, q.ExpiresAt.After(now))
	assert.Equal(t, now.Add(year), q.ExpiresAt)

	active, err := e.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.ID, active.ID)
}

func TestScenario_PromoteAtExpiry(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	oldActive, queued := bootstrapAndQueue(t, e)

	now := t0.Add(year)
	res, err := e.MaintenanceTick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, Promoted, res.Transition)
	assert.Equal(t, []string{oldActive.ID}, res.Retired)

	active, err := e.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, active.ID)

	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, q)

	old := findRecord(t, e, oldActive.ID)
	assert.False(t, old.Active)
	require.NotNil(t, old.RetiredAt)
	assert.Equal(t, now, *old.RetiredAt)
}

func TestScenario_EmergencyReplaceDiscardsQueued(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	oldActive, queued := bootstrapAndQueue(t, e)

	now := t0.Add(year - 6*day)
	res, err := e.EmergencyReplaceActive(ctx, now)
	require.NoError(t, err)
	require.Equal(t, EmergencyReplaced, res.Transition)
	assert.ElementsMatch(t, []string{oldActive.ID, queued.ID}, res.Retired)

	active, err := e.ActiveKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldActive.ID, active.ID)
	assert.NotEqual(t, queued.ID, active.ID)
	assert.Equal(t, now, active.CreatedAt)

	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, q)

	// the discarded key is never picked again
	assert.True(t, findRecord(t, e, queued.ID).Retired())
	res, err = e.MaintenanceTick(ctx, now.Add(year-7*day))
	require.NoError(t, err)
	require.Equal(t, Queued, res.Transition)
	assert.NotEqual(t, queued.ID, res.Queued.ID)
}

func TestScenario_ForceActivateQueued(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	oldActive, queued := bootstrapAndQueue(t, e)

	// well before the active key expires
	now := t0.Add(year - 7*day + time.Minute)
	res, err := e.ForceActivateQueued(ctx, now)
	require.NoError(t, err)
	require.Equal(t, ForcePromoted, res.Transition)

	active, err := e.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, active.ID)

	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, q)
	assert.True(t, findRecord(t, e, oldActive.ID).Retired())
}

func TestForceActivateQueued_NothingQueued(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	_, err := e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)

	_, err = e.ForceActivateQueued(ctx, t0)
	require.ErrorIs(t, err, ErrNoQueuedKey)

	var se *StoreError
	assert.False(t, errors.As(err, &se), "caller errors are not store errors")
}

func TestSelection_PrefersMostRecentInactive(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)

	older, err := e.CreateKeyRecord(ctx, t0.Add(time.Hour), false)
	require.NoError(t, err)
	newer, err := e.CreateKeyRecord(ctx, t0.Add(2*time.Hour), false)
	require.NoError(t, err)

	// seeding never pre-announces a key on its own
	q, err := e.QueuedKey(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, q)

	res, err := e.MaintenanceTick(ctx, t0.Add(year-7*day))
	require.NoError(t, err)
	require.Equal(t, Queued, res.Transition)
	assert.Nil(t, res.Created, "an eligible candidate exists, nothing should be minted")
	assert.Equal(t, newer.Created.ID, res.Queued.ID)
	assert.NotEqual(t, older.Created.ID, res.Queued.ID)

	hist, err := e.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestSelection_SkipsIneligible(t *testing.T) {
	active := &repository.KeyRecord{ID: "a", CreatedAt: t0, ExpiresAt: t0.Add(year), Active: true}
	retiredAt := t0.Add(day)
	now := t0.Add(year - 7*day)
	all := []repository.KeyRecord{
		*active,
		{ID: "expired", CreatedAt: t0.Add(-year), ExpiresAt: t0.Add(-time.Hour)},
		{ID: "retired", CreatedAt: t0.Add(time.Hour), ExpiresAt: t0.Add(year + time.Hour), RetiredAt: &retiredAt},
		{ID: "shorter", CreatedAt: t0.Add(-time.Hour), ExpiresAt: t0.Add(year - time.Hour)},
		{ID: "b", CreatedAt: t0.Add(2 * time.Hour), ExpiresAt: t0.Add(year + 2*time.Hour)},
		{ID: "c", CreatedAt: t0.Add(2 * time.Hour), ExpiresAt: t0.Add(year + 2*time.Hour)},
	}
	got := pickCandidate(all, active, now)
	require.NotNil(t, got)
	assert.Equal(t, "c", got.ID, "ties on createdAt break by greatest id")

	assert.Nil(t, pickCandidate(all[:4], active, now))
}

func TestMaintenanceTick_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	for _, now := range []time.Time{t0, t0.Add(year - 7*day), t0.Add(year)} {
		_, err := e.MaintenanceTick(ctx, now)
		require.NoError(t, err)
		first, err := e.State(ctx, now)
		require.NoError(t, err)
		histFirst, err := e.History(ctx)
		require.NoError(t, err)

		res, err := e.MaintenanceTick(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, NoOp, res.Transition, "second tick at %s", now)

		second, err := e.State(ctx, now)
		require.NoError(t, err)
		histSecond, err := e.History(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, histFirst, histSecond)
	}
}

func TestMaintenanceTick_FullYearsNeverTwoActive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newEngine(t, store)

	seen := map[string]bool{}
	for now := t0; now.Before(t0.Add(4 * year)); now = now.Add(day) {
		_, err := e.MaintenanceTick(ctx, now)
		require.NoError(t, err)

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		activeCount := 0
		for _, r := range all {
			if r.Active {
				activeCount++
				assert.False(t, r.Retired(), "active key %s is retired", r.ID)
				assert.True(t, r.ExpiresAt.After(now) || r.ExpiresAt.Equal(now), "active key outlived its expiry at %s", now)
			}
		}
		require.LessOrEqual(t, activeCount, 1)

		snap, err := e.State(ctx, now)
		require.NoError(t, err)
		if snap.Queued != nil {
			assert.False(t, snap.Queued.Active)
			assert.True(t, snap.Queued.ExpiresAt.After(now))
			seen[snap.Queued.ID] = true
		}
	}
	// one successor per year, no sprawl
	assert.Len(t, seen, 4)
	hist, err := e.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 5)
}

func TestQueuedKey_StalePointerReadsEmpty(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	_, queued := bootstrapAndQueue(t, e)

	// nobody ticked for years: the queued key itself expired
	late := queued.ExpiresAt.Add(time.Hour)
	q, err := e.QueuedKey(ctx, late)
	require.NoError(t, err)
	assert.Nil(t, q)

	_, err = e.ForceActivateQueued(ctx, late)
	require.ErrorIs(t, err, ErrNoQueuedKey)

	res, err := e.MaintenanceTick(ctx, late)
	require.NoError(t, err)
	require.Equal(t, Queued, res.Transition)
	assert.NotEqual(t, queued.ID, res.Queued.ID)

	res, err = e.MaintenanceTick(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, Promoted, res.Transition)
}

func TestReads_EmptyStore(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.ActiveKey(ctx)
	require.ErrorIs(t, err, ErrNoActiveKey)

	q, err := e.QueuedKey(ctx, t0)
	require.NoError(t, err)
	assert.Nil(t, q)

	snap, err := e.State(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, StateNoActiveKey, snap.State)
}

func TestReads_NeverExposePrivateMaterial(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newEngine(t, store)
	bootstrapAndQueue(t, e)

	active, err := e.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, active.Private)

	q, err := e.QueuedKey(ctx, t0.Add(year-7*day))
	require.NoError(t, err)
	assert.Nil(t, q.Private)

	hist, err := e.History(ctx)
	require.NoError(t, err)
	for _, r := range hist {
		assert.Nil(t, r.Private)
	}

	// the store itself still holds the capability
	full, err := store.GetActive(ctx)
	require.NoError(t, err)
	assert.NotNil(t, full.Private)
}

func TestCreateKeyRecord_ActiveDropsQueuedThatWouldNeverSign(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	oldActive, queued := bootstrapAndQueue(t, e)

	now := t0.Add(year - 6*day)
	res, err := e.CreateKeyRecord(ctx, now, true)
	require.NoError(t, err)
	assert.Equal(t, []string{oldActive.ID}, res.Retired)
	assert.Equal(t, res.Created.ID, res.Active.ID)
	assert.Nil(t, res.Queued)
	assert.Equal(t, StateActiveOnly, res.State)
	require.True(t, queued.ExpiresAt.Before(res.Active.ExpiresAt))

	active, err := e.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Created.ID, active.ID)

	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, q, "a queued key expiring before the new active key must not be announced")

	// el sucesor real se anuncia con la ventana completa y no es la clave vieja
	windowOpen := active.ExpiresAt.Add(-7 * day)
	res, err = e.MaintenanceTick(ctx, windowOpen.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, NoOp, res.Transition)

	res, err = e.MaintenanceTick(ctx, windowOpen)
	require.NoError(t, err)
	require.Equal(t, Queued, res.Transition)
	assert.NotEqual(t, queued.ID, res.Queued.ID)
	assert.True(t, res.Queued.ExpiresAt.After(active.ExpiresAt))
}

func TestCreateKeyRecord_ActiveKeepsQueuedThatOutlivesIt(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	_, queued := bootstrapAndQueue(t, e)

	// creado con un reloj atrasado: la clave encolada sigue viviendo más
	now := t0.Add(year - 8*day)
	res, err := e.CreateKeyRecord(ctx, now, true)
	require.NoError(t, err)
	require.True(t, queued.ExpiresAt.After(res.Active.ExpiresAt))
	require.NotNil(t, res.Queued)
	assert.Equal(t, queued.ID, res.Queued.ID)

	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, queued.ID, q.ID)
}

func TestCreateKeyRecord_InactiveLeavesQueue(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	active, queued := bootstrapAndQueue(t, e)

	now := t0.Add(year - 6*day)
	res, err := e.CreateKeyRecord(ctx, now, false)
	require.NoError(t, err)
	assert.Empty(t, res.Retired)
	assert.Equal(t, active.ID, res.Active.ID)
	require.NotNil(t, res.Queued)
	assert.Equal(t, queued.ID, res.Queued.ID)
}

type failingGen struct{ calls atomic.Int32 }

func (g *failingGen) Generate() (keypair.Pair, error) {
	g.calls.Add(1)
	return keypair.Pair{}, errors.New("entropy source unavailable")
}

func TestKeyGenerationError_NotRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	gen := &failingGen{}
	e, err := New(store, gen, DefaultPolicy(), Options{RetryInitial: time.Millisecond})
	require.NoError(t, err)

	_, err = e.MaintenanceTick(ctx, t0)
	var kg *KeyGenerationError
	require.ErrorAs(t, err, &kg)
	assert.EqualValues(t, 1, gen.calls.Load())
	assert.EqualValues(t, 0, store.Version(), "failed operation must not change state")

	_, err = e.EmergencyReplaceActive(ctx, t0)
	require.ErrorAs(t, err, &kg)
}

// conflictingStore fails the first n transactions with ErrConflict.
type conflictingStore struct {
	repository.KeyStore
	remaining atomic.Int32
	attempts  atomic.Int32
}

func (s *conflictingStore) InTx(ctx context.Context, fn func(repository.KeyRepository) error) error {
	s.attempts.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return repository.ErrConflict
	}
	return s.KeyStore.InTx(ctx, fn)
}

func TestRetry_OnConflictThenSucceeds(t *testing.T) {
	ctx := context.Background()
	cs := &conflictingStore{KeyStore: memory.New()}
	cs.remaining.Store(3)
	e := newEngine(t, cs)

	res, err := e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, Bootstrapped, res.Transition)
	assert.EqualValues(t, 4, cs.attempts.Load())
}

func TestRetry_BoundedThenStoreError(t *testing.T) {
	ctx := context.Background()
	cs := &conflictingStore{KeyStore: memory.New()}
	cs.remaining.Store(100)
	e, err := New(cs, keypair.Ed25519Generator{}, DefaultPolicy(), Options{MaxAttempts: 3, RetryInitial: time.Millisecond})
	require.NoError(t, err)

	_, err = e.MaintenanceTick(ctx, t0)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, "maintenance_tick", se.Op)
	assert.EqualValues(t, 3, cs.attempts.Load())
}

func TestConcurrentTicks_SingleQueuedKey(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e, err := New(store, keypair.Ed25519Generator{}, DefaultPolicy(), Options{MaxAttempts: 20, RetryInitial: time.Millisecond})
	require.NoError(t, err)
	_, err = e.MaintenanceTick(ctx, t0)
	require.NoError(t, err)

	now := t0.Add(year - 7*day)
	var wg sync.WaitGroup
	var queuedCount atomic.Int32
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.MaintenanceTick(ctx, now)
			if err != nil {
				errs <- err
				return
			}
			if res.Transition == Queued {
				queuedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, queuedCount.Load())
	hist, err := e.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "exactly one successor minted")
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	require.Error(t, Policy{Validity: day, RotationWindow: 2 * day}.Validate())
	require.Error(t, Policy{Validity: 0, RotationWindow: day}.Validate())

	_, err := New(memory.New(), keypair.Ed25519Generator{}, Policy{}, Options{})
	require.Error(t, err)
}

func findRecord(t *testing.T, e *Engine, id string) repository.KeyRecord {
	t.Helper()
	hist, err := e.History(context.Background())
	require.NoError(t, err)
	for _, r := range hist {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("record %s not found", id)
	return repository.KeyRecord{}
}
