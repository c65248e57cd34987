package keytable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, created time.Time, active bool) repository.KeyRecord {
	return repository.KeyRecord{
		ID:           id,
		CreatedAt:    created,
		ExpiresAt:    created.Add(365 * 24 * time.Hour),
		PublicKeyPEM: "pem-" + id,
		Active:       active,
	}
}

func TestApplyCommit_BumpsVersionAndLeavesBaseUntouched(t *testing.T) {
	base := New()
	next, err := base.ApplyCommit([]Op{
		{Kind: OpInsert, Record: ptr(rec("a", t0, true))},
		{Kind: OpInsert, Record: ptr(rec("b", t0.Add(time.Hour), false))},
		{Kind: OpSetQueued, ID: "b"},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 0, base.Version())
	assert.Empty(t, base.All())
	assert.EqualValues(t, 1, next.Version())
	assert.Equal(t, "b", next.Queued())

	active, err := next.Active()
	require.NoError(t, err)
	assert.Equal(t, "a", active.ID)
}

func TestApplyCommit_FailureDiscardsWholeBatch(t *testing.T) {
	base := Restore(3, []repository.KeyRecord{rec("a", t0, true)}, "")
	_, err := base.ApplyCommit([]Op{
		{Kind: OpInsert, Record: ptr(rec("b", t0, false))},
		{Kind: OpSetActive, ID: "b"},
	})
	require.ErrorIs(t, err, repository.ErrActiveKeyExists)
	assert.EqualValues(t, 3, base.Version())
	_, err = base.Get("b")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestApply_Rules(t *testing.T) {
	tbl := Restore(1, []repository.KeyRecord{rec("a", t0, true), rec("b", t0.Add(time.Minute), false)}, "")

	err := tbl.Apply(Op{Kind: OpInsert, Record: ptr(rec("a", t0, false))})
	assert.ErrorIs(t, err, repository.ErrDuplicateID)

	err = tbl.Apply(Op{Kind: OpInsert, Record: ptr(rec("c", t0, true))})
	assert.ErrorIs(t, err, repository.ErrActiveKeyExists)

	err = tbl.Apply(Op{Kind: OpSetQueued, ID: "zzz"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// retirar es idempotente y conserva el primer RetiredAt
	require.NoError(t, tbl.Apply(Op{Kind: OpSetInactive, ID: "a", At: t0.Add(time.Hour)}))
	require.NoError(t, tbl.Apply(Op{Kind: OpSetInactive, ID: "a", At: t0.Add(2 * time.Hour)}))
	a, err := tbl.Get("a")
	require.NoError(t, err)
	require.NotNil(t, a.RetiredAt)
	assert.Equal(t, t0.Add(time.Hour), *a.RetiredAt)

	err = tbl.Apply(Op{Kind: OpSetActive, ID: "a"})
	assert.ErrorIs(t, err, repository.ErrKeyRetired)

	require.NoError(t, tbl.Apply(Op{Kind: OpSetActive, ID: "b"}))
	require.NoError(t, tbl.Apply(Op{Kind: OpSetActive, ID: "b"}))

	err = tbl.Apply(Op{Kind: "drop"})
	assert.Error(t, err)
}

func TestAll_OrderedByCreatedAtThenID(t *testing.T) {
	tbl := Restore(1, []repository.KeyRecord{
		rec("c", t0.Add(time.Hour), false),
		rec("b", t0, false),
		rec("a", t0, true),
	}, "")
	var ids []string
	for _, r := range tbl.All() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestTx_RecordsOpsOnPrivateClone(t *testing.T) {
	ctx := context.Background()
	base := Restore(7, []repository.KeyRecord{rec("a", t0, true)}, "")
	tx := Begin(base)

	_, err := tx.Insert(ctx, rec("b", t0.Add(time.Minute), false))
	require.NoError(t, err)
	require.NoError(t, tx.SetQueued(ctx, "b"))
	require.NoError(t, tx.SetInactive(ctx, "a", t0.Add(time.Hour)))

	// una mutación rechazada no queda registrada
	require.ErrorIs(t, tx.SetActive(ctx, "a"), repository.ErrKeyRetired)

	q, err := tx.QueuedID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", q)
	assert.Equal(t, "", base.Queued())
	assert.EqualValues(t, 7, tx.BaseVersion())
	require.Len(t, tx.Ops(), 3)

	next, err := base.ApplyCommit(tx.Ops())
	require.NoError(t, err)
	assert.EqualValues(t, 8, next.Version())
	_, err = next.Active()
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestClone_DoesNotShareRetiredAt(t *testing.T) {
	at := t0
	r := rec("a", t0, false)
	r.RetiredAt = &at
	tbl := Restore(1, []repository.KeyRecord{r}, "")

	c := tbl.Clone()
	got, err := c.Get("a")
	require.NoError(t, err)
	*got.RetiredAt = t0.Add(time.Hour)

	orig, err := tbl.Get("a")
	require.NoError(t, err)
	assert.Equal(t, t0, *orig.RetiredAt)
}

func ptr[T any](v T) *T { return &v }
