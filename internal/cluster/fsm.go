package cluster

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store/keytable"
)

// FSM aplica commits del key store sobre una keytable.Table en memoria.
// La tabla se reemplaza entera en cada commit, así que los lectores y los
// snapshots pueden quedarse con la referencia vigente sin copiarla.
type FSM struct {
	mu     sync.RWMutex
	t      *keytable.Table
	sealer keypair.Sealer
}

func NewFSM(sealer keypair.Sealer) *FSM {
	return &FSM{t: keytable.New(), sealer: sealer}
}

// Table devuelve la tabla confirmada. No mutar.
func (f *FSM) Table() *keytable.Table {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t
}

// Apply decodifica la mutación y la confirma. Devuelve el error de dominio
// como respuesta del log (nil si se aplicó).
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return nil
	}
	var m Mutation
	if err := json.Unmarshal(l.Data, &m); err != nil {
		return err
	}
	switch m.Type {
	case MutationCommitKeys:
		ops, err := decodeOps(f.sealer, m.Ops)
		if err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.t.Version() != m.BaseVersion {
			return repository.ErrConflict
		}
		next, err := f.t.ApplyCommit(ops)
		if err != nil {
			return err
		}
		f.t = next
		return nil
	default:
		return fmt.Errorf("cluster: unknown mutation %q", m.Type)
	}
}

type snapshotDoc struct {
	Version uint64      `json:"version"`
	Queued  string      `json:"queued,omitempty"`
	Records []RecordDTO `json:"records"`
}

// Snapshot serializa la tabla vigente (gzip + JSON, claves privadas selladas).
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	t := f.Table()
	doc := snapshotDoc{Version: t.Version(), Queued: t.Queued()}
	for _, r := range t.All() {
		rd, err := encodeRecord(f.sealer, r)
		if err != nil {
			return nil, err
		}
		doc.Records = append(doc.Records, *rd)
	}
	return &keySnap{doc: doc}, nil
}

// Restore reemplaza el estado con el snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("cluster: snapshot gzip: %w", err)
	}
	defer gz.Close()

	var doc snapshotDoc
	if err := json.NewDecoder(gz).Decode(&doc); err != nil {
		return fmt.Errorf("cluster: snapshot decode: %w", err)
	}
	recs := make([]repository.KeyRecord, 0, len(doc.Records))
	for _, rd := range doc.Records {
		r, err := decodeRecord(f.sealer, rd)
		if err != nil {
			return err
		}
		recs = append(recs, r)
	}

	f.mu.Lock()
	f.t = keytable.Restore(doc.Version, recs, doc.Queued)
	f.mu.Unlock()
	return nil
}

type keySnap struct{ doc snapshotDoc }

func (s *keySnap) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		gz := gzip.NewWriter(sink)
		if err := json.NewEncoder(gz).Encode(s.doc); err != nil {
			return err
		}
		return gz.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *keySnap) Release() {}

var _ raft.FSM = (*FSM)(nil)
