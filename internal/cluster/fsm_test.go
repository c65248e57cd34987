package cluster

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/security/secretbox"
	"github.com/dropDatabas3/nrtmkeys/internal/store/keytable"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newSealer(t *testing.T) keypair.Sealer {
	t.Helper()
	master, err := secretbox.GenerateMasterKey()
	require.NoError(t, err)
	box, err := secretbox.NewFromString(master)
	require.NoError(t, err)
	return box
}

func record(t *testing.T, id string, active bool) repository.KeyRecord {
	t.Helper()
	p, err := keypair.Ed25519Generator{}.Generate()
	require.NoError(t, err)
	return repository.KeyRecord{
		ID: id, CreatedAt: t0, ExpiresAt: t0.Add(24 * time.Hour),
		PublicKeyPEM: p.PublicPEM, Private: p.Private, Active: active,
	}
}

func logEntry(t *testing.T, s keypair.Sealer, base uint64, ops ...keytable.Op) *raft.Log {
	t.Helper()
	m, err := NewCommitMutation(s, base, ops)
	require.NoError(t, err)
	buf, err := json.Marshal(m)
	require.NoError(t, err)
	return &raft.Log{Data: buf}
}

func insertOp(r repository.KeyRecord) keytable.Op {
	return keytable.Op{Kind: keytable.OpInsert, Record: &r}
}

func TestFSM_ApplyCommit(t *testing.T) {
	s := newSealer(t)
	f := NewFSM(s)

	resp := f.Apply(logEntry(t, s, 0, insertOp(record(t, "a", true)), insertOp(record(t, "b", false)),
		keytable.Op{Kind: keytable.OpSetQueued, ID: "b"}))
	require.Nil(t, resp)

	tbl := f.Table()
	assert.EqualValues(t, 1, tbl.Version())
	assert.Equal(t, "b", tbl.Queued())
	active, err := tbl.Active()
	require.NoError(t, err)
	assert.Equal(t, "a", active.ID)
	require.NotNil(t, active.Private)
}

func TestFSM_StaleBaseVersionConflicts(t *testing.T) {
	s := newSealer(t)
	f := NewFSM(s)
	require.Nil(t, f.Apply(logEntry(t, s, 0, insertOp(record(t, "a", true)))))

	resp := f.Apply(logEntry(t, s, 0, insertOp(record(t, "b", false))))
	err, ok := resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, repository.ErrConflict)
	_, gerr := f.Table().Get("b")
	assert.ErrorIs(t, gerr, repository.ErrNotFound)
}

func TestFSM_InvalidBatchIsAtomic(t *testing.T) {
	s := newSealer(t)
	f := NewFSM(s)
	resp := f.Apply(logEntry(t, s, 0, insertOp(record(t, "a", true)), insertOp(record(t, "b", true))))
	err, ok := resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, repository.ErrActiveKeyExists)
	assert.Empty(t, f.Table().All())
	assert.EqualValues(t, 0, f.Table().Version())
}

func TestFSM_UnknownMutation(t *testing.T) {
	f := NewFSM(newSealer(t))
	buf, _ := json.Marshal(Mutation{Type: "nope"})
	_, ok := f.Apply(&raft.Log{Data: buf}).(error)
	assert.True(t, ok)
	assert.Nil(t, f.Apply(&raft.Log{}))
}

type memSink struct{ bytes.Buffer }

func (m *memSink) ID() string    { return "mem" }
func (m *memSink) Cancel() error { return nil }
func (m *memSink) Close() error  { return nil }

func TestFSM_SnapshotRestore_RoundTrip(t *testing.T) {
	s := newSealer(t)
	src := NewFSM(s)
	require.Nil(t, src.Apply(logEntry(t, s, 0, insertOp(record(t, "a", true)), insertOp(record(t, "b", false)))))
	require.Nil(t, src.Apply(logEntry(t, s, 1,
		keytable.Op{Kind: keytable.OpSetInactive, ID: "a", At: t0.Add(time.Hour)},
		keytable.Op{Kind: keytable.OpSetActive, ID: "b"})))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.NotContains(t, sink.String(), "PRIVATE KEY")

	dst := NewFSM(s)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	tbl := dst.Table()
	assert.EqualValues(t, 2, tbl.Version())
	active, err := tbl.Active()
	require.NoError(t, err)
	assert.Equal(t, "b", active.ID)
	a, err := tbl.Get("a")
	require.NoError(t, err)
	require.NotNil(t, a.RetiredAt)
	assert.True(t, a.RetiredAt.Equal(t0.Add(time.Hour)))

	orig, _ := src.Table().Get("b")
	assert.Equal(t, orig.PublicKeyPEM, active.PublicKeyPEM)
	assert.True(t, active.Private.Public().(ed25519.PublicKey).Equal(orig.Private.Public()))
}

func TestFSM_RestoreRejectsWrongSealer(t *testing.T) {
	s := newSealer(t)
	src := NewFSM(s)
	require.Nil(t, src.Apply(logEntry(t, s, 0, insertOp(record(t, "a", true)))))
	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))

	dst := NewFSM(newSealer(t))
	require.Error(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
}
