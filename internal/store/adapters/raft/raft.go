// Package raft implementa el key store replicado: cada commit de InTx viaja
// como una mutación del log Raft y la FSM lo valida contra la versión base.
// Las lecturas son locales al nodo; sólo el leader acepta escrituras.
package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	hraft "github.com/hashicorp/raft"

	"github.com/dropDatabas3/nrtmkeys/internal/cluster"
	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
	"github.com/dropDatabas3/nrtmkeys/internal/store/keytable"
)

const leaderWait = 10 * time.Second

func init() {
	store.RegisterAdapter(&raftAdapter{})
}

type raftAdapter struct{}

func (a *raftAdapter) Name() string { return "raft" }

func (a *raftAdapter) Connect(ctx context.Context, cfg store.AdapterConfig) (repository.KeyStore, error) {
	if cfg.Sealer == nil {
		return nil, errors.New("raft: a sealer is required to replicate private key material")
	}
	ro := cfg.Raft
	s, err := Open(cluster.NodeOptions{
		NodeID:       ro.NodeID,
		RaftAddr:     ro.RaftAddr,
		RaftDir:      ro.RaftDir,
		Peers:        ro.Peers,
		InMemory:     ro.InMemory,
		ApplyTimeout: ro.ApplyTimeout,
	}, cfg.Sealer)
	if err != nil {
		return nil, err
	}

	// Con peers estáticos el leader puede tardar en aparecer; no bloqueamos.
	if ro.InMemory || len(ro.Peers) <= 1 {
		wctx, cancel := context.WithTimeout(ctx, leaderWait)
		defer cancel()
		if err := s.node.WaitLeader(wctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("raft: %w", err)
		}
	}
	return s, nil
}

// Store es un repository.KeyStore replicado por Raft.
type Store struct {
	node   *cluster.Node
	fsm    *cluster.FSM
	sealer keypair.Sealer
}

// Open arranca el nodo con una FSM nueva. opts.FSM se ignora.
func Open(opts cluster.NodeOptions, sealer keypair.Sealer) (*Store, error) {
	fsm := cluster.NewFSM(sealer)
	opts.FSM = fsm
	if opts.Logger == nil {
		opts.Logger = logger.Named("raft").With(logger.Component("keystore"))
	}
	node, err := cluster.NewNode(opts)
	if err != nil {
		return nil, fmt.Errorf("raft: %w", err)
	}
	return &Store{node: node, fsm: fsm, sealer: sealer}, nil
}

// Node expone el nodo para status/readiness.
func (s *Store) Node() *cluster.Node { return s.node }

func (s *Store) GetActive(context.Context) (*repository.KeyRecord, error) {
	return s.fsm.Table().Active()
}

func (s *Store) GetByID(_ context.Context, id string) (*repository.KeyRecord, error) {
	return s.fsm.Table().Get(id)
}

func (s *Store) GetAll(context.Context) ([]repository.KeyRecord, error) {
	return s.fsm.Table().All(), nil
}

func (s *Store) QueuedID(context.Context) (string, error) {
	return s.fsm.Table().Queued(), nil
}

// InTx arma el lote sobre la tabla local y lo replica. Si otro commit se
// aplicó antes en el log, la FSM responde repository.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(repo repository.KeyRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := keytable.Begin(s.fsm.Table())
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.Ops()) == 0 {
		return nil
	}
	if !s.node.IsLeader() {
		return fmt.Errorf("%w (leader=%q)", repository.ErrNotLeader, s.node.LeaderID())
	}

	m, err := cluster.NewCommitMutation(s.sealer, tx.BaseVersion(), tx.Ops())
	if err != nil {
		return err
	}
	if _, err := s.node.Apply(ctx, m); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %v", repository.ErrNotLeader, err)
		}
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	if s.node.LeaderID() == "" {
		return errors.New("raft: no leader")
	}
	return nil
}

func (s *Store) Close() error { return s.node.Close() }

var _ repository.KeyStore = (*Store)(nil)
