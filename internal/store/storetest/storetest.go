// Package storetest holds the behavioural suite every repository.KeyStore
// adapter must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
)

// Open returns a fresh, empty store. Cleanup is the caller's job (t.Cleanup).
type Open func(t *testing.T) repository.KeyStore

var base = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

// Run executes the full suite against open.
func Run(t *testing.T, open Open) {
	t.Run("InsertAndRead", func(t *testing.T) { testInsertAndRead(t, open(t)) })
	t.Run("SingleActive", func(t *testing.T) { testSingleActive(t, open(t)) })
	t.Run("RetiredNeverReactivated", func(t *testing.T) { testRetired(t, open(t)) })
	t.Run("QueuedPointer", func(t *testing.T) { testQueuedPointer(t, open(t)) })
	t.Run("AbortedTxLeavesNoTrace", func(t *testing.T) { testAborted(t, open(t)) })
	t.Run("PrivateMaterialRoundTrip", func(t *testing.T) { testPrivateRoundTrip(t, open(t)) })
	t.Run("EngineLifecycle", func(t *testing.T) { testEngineLifecycle(t, open(t)) })
	t.Run("ConcurrentTicks", func(t *testing.T) { testConcurrentTicks(t, open(t)) })
}

func newRecord(t *testing.T, id string, created time.Time, active bool) repository.KeyRecord {
	t.Helper()
	p, err := keypair.Ed25519Generator{}.Generate()
	require.NoError(t, err)
	return repository.KeyRecord{
		ID:           id,
		CreatedAt:    created,
		ExpiresAt:    created.Add(365 * 24 * time.Hour),
		PublicKeyPEM: p.PublicPEM,
		Private:      p.Private,
		Active:       active,
	}
}

func insert(t *testing.T, s repository.KeyStore, recs ...repository.KeyRecord) error {
	t.Helper()
	ctx := context.Background()
	return s.InTx(ctx, func(r repository.KeyRepository) error {
		for _, rec := range recs {
			if _, err := r.Insert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func testInsertAndRead(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	_, err := s.GetActive(ctx)
	require.ErrorIs(t, err, repository.ErrNotFound)
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	a := newRecord(t, "key-b", base, true)
	b := newRecord(t, "key-a", base.Add(time.Second), false)
	c := newRecord(t, "key-c", base.Add(time.Second), false)
	require.NoError(t, insert(t, s, c, a, b))

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-b", active.ID)
	assert.True(t, active.CreatedAt.Equal(a.CreatedAt))
	assert.True(t, active.ExpiresAt.Equal(a.ExpiresAt))
	assert.Equal(t, a.PublicKeyPEM, active.PublicKeyPEM)
	assert.Nil(t, active.RetiredAt)

	all, err = s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"key-b", "key-a", "key-c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	err = insert(t, s, newRecord(t, "key-a", base, false))
	require.ErrorIs(t, err, repository.ErrDuplicateID)
}

func testSingleActive(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	require.NoError(t, insert(t, s, newRecord(t, "a", base, true), newRecord(t, "b", base.Add(time.Minute), false)))

	err := insert(t, s, newRecord(t, "c", base, true))
	require.ErrorIs(t, err, repository.ErrActiveKeyExists)

	err = s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetActive(ctx, "b") })
	require.ErrorIs(t, err, repository.ErrActiveKeyExists)

	// retire-then-activate inside one tx is the supported promotion order
	require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error {
		if err := r.SetInactive(ctx, "a", base.Add(time.Hour)); err != nil {
			return err
		}
		return r.SetActive(ctx, "b")
	}))
	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", active.ID)

	// SetActive is idempotent
	require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetActive(ctx, "b") }))
}

func testRetired(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	require.NoError(t, insert(t, s, newRecord(t, "a", base, true)))

	first := base.Add(time.Hour)
	for _, at := range []time.Time{first, first.Add(time.Hour)} {
		require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetInactive(ctx, "a", at) }))
	}
	a, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.False(t, a.Active)
	require.NotNil(t, a.RetiredAt)
	assert.True(t, a.RetiredAt.Equal(first), "RetiredAt keeps the first value, got %s", a.RetiredAt)

	err = s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetActive(ctx, "a") })
	require.ErrorIs(t, err, repository.ErrKeyRetired)

	err = s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetInactive(ctx, "missing", first) })
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func testQueuedPointer(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	require.NoError(t, insert(t, s, newRecord(t, "a", base, true), newRecord(t, "b", base, false)))

	q, err := s.QueuedID(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)

	require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetQueued(ctx, "b") }))
	q, err = s.QueuedID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", q)

	err = s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetQueued(ctx, "missing") })
	require.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error { return r.SetQueued(ctx, "") }))
	q, err = s.QueuedID(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func testAborted(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(r repository.KeyRepository) error {
		if _, err := r.Insert(ctx, newRecord(t, "a", base, true)); err != nil {
			return err
		}
		// writes are visible inside the tx
		got, err := r.GetActive(ctx)
		if err != nil {
			return err
		}
		if got.ID != "a" {
			return errors.New("insert not visible inside tx")
		}
		if err := r.SetQueued(ctx, "a"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	q, err := s.QueuedID(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func testPrivateRoundTrip(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	rec := newRecord(t, "a", base, true)
	require.NoError(t, insert(t, s, rec))

	got, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.Private)
	pub, err := keypair.ParsePublicPEM(got.PublicKeyPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(got.Private.Public()))
}

func testEngineLifecycle(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	e, err := rotation.New(s, keypair.Ed25519Generator{}, rotation.DefaultPolicy(), rotation.Options{RetryInitial: time.Millisecond})
	require.NoError(t, err)

	year := 365 * 24 * time.Hour
	day := 24 * time.Hour

	res, err := e.MaintenanceTick(ctx, base)
	require.NoError(t, err)
	require.Equal(t, rotation.Bootstrapped, res.Transition)
	first := res.Active.ID

	res, err = e.MaintenanceTick(ctx, base.Add(year-9*day))
	require.NoError(t, err)
	require.Equal(t, rotation.NoOp, res.Transition)

	res, err = e.MaintenanceTick(ctx, base.Add(year-7*day))
	require.NoError(t, err)
	require.Equal(t, rotation.Queued, res.Transition)
	next := res.Queued.ID

	res, err = e.MaintenanceTick(ctx, base.Add(year))
	require.NoError(t, err)
	require.Equal(t, rotation.Promoted, res.Transition)
	require.Equal(t, next, res.Active.ID)

	res, err = e.EmergencyReplaceActive(ctx, base.Add(year+day))
	require.NoError(t, err)
	require.NotEqual(t, first, res.Active.ID)
	require.NotEqual(t, next, res.Active.ID)

	snap, err := e.State(ctx, base.Add(year+day))
	require.NoError(t, err)
	require.Equal(t, rotation.StateActiveOnly, snap.State)
}

func testConcurrentTicks(t *testing.T, s repository.KeyStore) {
	ctx := context.Background()
	e, err := rotation.New(s, keypair.Ed25519Generator{}, rotation.DefaultPolicy(), rotation.Options{MaxAttempts: 25, RetryInitial: time.Millisecond})
	require.NoError(t, err)
	_, err = e.MaintenanceTick(ctx, base)
	require.NoError(t, err)

	now := base.Add(365*24*time.Hour - 24*time.Hour)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.MaintenanceTick(ctx, now); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "concurrent ticks must mint a single successor")
	q, err := e.QueuedKey(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, q)
}
