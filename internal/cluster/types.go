// Package cluster provee la replicación Raft del key store.
package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store/keytable"
)

// MutationType define el catálogo de operaciones replicadas.
type MutationType string

// MutationCommitKeys confirma el lote de ops de una transacción del key store.
const MutationCommitKeys MutationType = "keys.commit"

// Mutation representa una operación a replicar por Raft.
// BaseVersion es la versión sobre la que se armó el lote; si al aplicarse la
// tabla ya avanzó, la FSM responde repository.ErrConflict.
type Mutation struct {
	Type        MutationType `json:"type"`
	BaseVersion uint64       `json:"baseVersion"`
	TsUnix      int64        `json:"tsUnix"`
	Ops         []OpDTO      `json:"ops"`
}

type OpDTO struct {
	Kind   keytable.OpKind `json:"kind"`
	Record *RecordDTO      `json:"record,omitempty"`
	ID     string          `json:"id,omitempty"`
	At     time.Time       `json:"at,omitempty"`
}

// RecordDTO es la forma serializada de un KeyRecord. La clave privada viaja
// sellada, nunca en claro, tanto en el log como en los snapshots.
type RecordDTO struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	PublicKeyPEM     string     `json:"publicKeyPem"`
	PrivateKeySealed string     `json:"privateKeySealed"`
	Active           bool       `json:"active"`
	RetiredAt        *time.Time `json:"retiredAt,omitempty"`
}

func encodeRecord(s keypair.Sealer, r repository.KeyRecord) (*RecordDTO, error) {
	if r.Private == nil {
		return nil, fmt.Errorf("cluster: key %s has no private material", r.ID)
	}
	sealed, err := keypair.Seal(s, r.Private)
	if err != nil {
		return nil, err
	}
	return &RecordDTO{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		PublicKeyPEM:     r.PublicKeyPEM,
		PrivateKeySealed: sealed,
		Active:           r.Active,
		RetiredAt:        r.RetiredAt,
	}, nil
}

func decodeRecord(s keypair.Sealer, d RecordDTO) (repository.KeyRecord, error) {
	priv, err := keypair.Open(s, d.PrivateKeySealed)
	if err != nil {
		return repository.KeyRecord{}, fmt.Errorf("cluster: key %s: %w", d.ID, err)
	}
	return repository.KeyRecord{
		ID:           d.ID,
		CreatedAt:    d.CreatedAt,
		ExpiresAt:    d.ExpiresAt,
		PublicKeyPEM: d.PublicKeyPEM,
		Private:      priv,
		Active:       d.Active,
		RetiredAt:    d.RetiredAt,
	}, nil
}

// NewCommitMutation serializa las ops de una transacción.
func NewCommitMutation(s keypair.Sealer, base uint64, ops []keytable.Op) (Mutation, error) {
	m := Mutation{Type: MutationCommitKeys, BaseVersion: base, TsUnix: time.Now().Unix()}
	for _, op := range ops {
		dto := OpDTO{Kind: op.Kind, ID: op.ID, At: op.At}
		if op.Record != nil {
			rd, err := encodeRecord(s, *op.Record)
			if err != nil {
				return Mutation{}, err
			}
			dto.Record = rd
		}
		m.Ops = append(m.Ops, dto)
	}
	return m, nil
}

func decodeOps(s keypair.Sealer, dtos []OpDTO) ([]keytable.Op, error) {
	if len(dtos) == 0 {
		return nil, errors.New("cluster: empty commit")
	}
	ops := make([]keytable.Op, 0, len(dtos))
	for _, d := range dtos {
		op := keytable.Op{Kind: d.Kind, ID: d.ID, At: d.At}
		if d.Record != nil {
			rec, err := decodeRecord(s, *d.Record)
			if err != nil {
				return nil, err
			}
			op.Record = &rec
		}
		ops = append(ops, op)
	}
	return ops, nil
}
