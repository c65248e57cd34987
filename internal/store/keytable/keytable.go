// Package keytable is the in-process key table shared by the memory and raft
// adapters. A Table is not safe for concurrent use; owners guard it and swap
// whole tables on commit.
package keytable

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
)

type OpKind string

const (
	OpInsert      OpKind = "insert"
	OpSetActive   OpKind = "set_active"
	OpSetInactive OpKind = "set_inactive"
	OpSetQueued   OpKind = "set_queued"
)

// Op is one recorded mutation. Record is only set for OpInsert.
type Op struct {
	Kind   OpKind
	Record *repository.KeyRecord
	ID     string
	At     time.Time
}

// Table holds every record plus the queued pointer and a commit version.
type Table struct {
	version uint64
	rows    map[string]repository.KeyRecord
	queued  string
}

func New() *Table {
	return &Table{rows: map[string]repository.KeyRecord{}}
}

// Restore builds a table from a snapshot.
func Restore(version uint64, records []repository.KeyRecord, queued string) *Table {
	t := &Table{version: version, rows: make(map[string]repository.KeyRecord, len(records)), queued: queued}
	for _, r := range records {
		t.rows[r.ID] = r
	}
	return t
}

func (t *Table) Version() uint64 { return t.version }
func (t *Table) Queued() string  { return t.queued }

// Clone copies the table. PrivateKey capabilities are immutable and shared.
func (t *Table) Clone() *Table {
	c := &Table{version: t.version, rows: make(map[string]repository.KeyRecord, len(t.rows)), queued: t.queued}
	for id, r := range t.rows {
		c.rows[id] = copyRecord(r)
	}
	return c
}

func (t *Table) Active() (*repository.KeyRecord, error) {
	for _, r := range t.rows {
		if r.Active {
			out := copyRecord(r)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *Table) Get(id string) (*repository.KeyRecord, error) {
	r, ok := t.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyRecord(r)
	return &out, nil
}

// All returns records ordered by CreatedAt, then ID.
func (t *Table) All() []repository.KeyRecord {
	out := make([]repository.KeyRecord, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, copyRecord(r))
	}
	slices.SortFunc(out, func(a, b repository.KeyRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Apply validates and applies a single op. On error the table is unchanged.
func (t *Table) Apply(op Op) error {
	switch op.Kind {
	case OpInsert:
		if op.Record == nil || op.Record.ID == "" {
			return errors.New("keytable: insert without id")
		}
		if _, dup := t.rows[op.Record.ID]; dup {
			return repository.ErrDuplicateID
		}
		if op.Record.Active {
			if _, err := t.Active(); err == nil {
				return repository.ErrActiveKeyExists
			}
		}
		t.rows[op.Record.ID] = copyRecord(*op.Record)
	case OpSetActive:
		r, ok := t.rows[op.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if r.Active {
			return nil
		}
		if r.Retired() {
			return repository.ErrKeyRetired
		}
		if _, err := t.Active(); err == nil {
			return repository.ErrActiveKeyExists
		}
		r.Active = true
		t.rows[op.ID] = r
	case OpSetInactive:
		r, ok := t.rows[op.ID]
		if !ok {
			return repository.ErrNotFound
		}
		r.Active = false
		if r.RetiredAt == nil {
			at := op.At
			r.RetiredAt = &at
		}
		t.rows[op.ID] = r
	case OpSetQueued:
		if op.ID != "" {
			if _, ok := t.rows[op.ID]; !ok {
				return repository.ErrNotFound
			}
		}
		t.queued = op.ID
	default:
		return fmt.Errorf("keytable: unknown op %q", op.Kind)
	}
	return nil
}

// ApplyCommit applies ops on a copy and returns it with the version bumped.
func (t *Table) ApplyCommit(ops []Op) (*Table, error) {
	next := t.Clone()
	for _, op := range ops {
		if err := next.Apply(op); err != nil {
			return nil, err
		}
	}
	next.version++
	return next, nil
}

func copyRecord(r repository.KeyRecord) repository.KeyRecord {
	if r.RetiredAt != nil {
		at := *r.RetiredAt
		r.RetiredAt = &at
	}
	return r
}

// Tx is a repository.KeyRepository over a private clone that records ops.
type Tx struct {
	base uint64
	work *Table
	ops  []Op
}

// Begin snapshots t. The caller must hold t's read lock.
func Begin(t *Table) *Tx {
	return &Tx{base: t.version, work: t.Clone()}
}

func (x *Tx) BaseVersion() uint64 { return x.base }
func (x *Tx) Ops() []Op           { return x.ops }

func (x *Tx) GetActive(context.Context) (*repository.KeyRecord, error) { return x.work.Active() }

func (x *Tx) GetByID(_ context.Context, id string) (*repository.KeyRecord, error) {
	return x.work.Get(id)
}

func (x *Tx) GetAll(context.Context) ([]repository.KeyRecord, error) { return x.work.All(), nil }

func (x *Tx) QueuedID(context.Context) (string, error) { return x.work.queued, nil }

func (x *Tx) Insert(_ context.Context, rec repository.KeyRecord) (*repository.KeyRecord, error) {
	if err := x.apply(Op{Kind: OpInsert, Record: &rec}); err != nil {
		return nil, err
	}
	return x.work.Get(rec.ID)
}

func (x *Tx) SetActive(_ context.Context, id string) error {
	return x.apply(Op{Kind: OpSetActive, ID: id})
}

func (x *Tx) SetInactive(_ context.Context, id string, at time.Time) error {
	return x.apply(Op{Kind: OpSetInactive, ID: id, At: at})
}

func (x *Tx) SetQueued(_ context.Context, id string) error {
	return x.apply(Op{Kind: OpSetQueued, ID: id})
}

func (x *Tx) apply(op Op) error {
	if err := x.work.Apply(op); err != nil {
		return err
	}
	if op.Record != nil {
		rec := copyRecord(*op.Record)
		op.Record = &rec
	}
	x.ops = append(x.ops, op)
	return nil
}

var _ repository.KeyRepository = (*Tx)(nil)
