package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	appmetrics "github.com/dropDatabas3/nrtmkeys/internal/metrics"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
)

const defaultApplyTimeout = 5 * time.Second

// Node es un wrapper liviano alrededor de *raft.Raft
// que provee helpers de Apply/Leader/Close y un constructor
// que inicializa stores (BoltDB o memoria), snapshots y transporte.
type Node struct {
	r            *raft.Raft
	applyTimeout time.Duration
	id           raft.ServerID
	addr         raft.ServerAddress
	peers        map[string]string // nodeID -> raftAddr
	bolt         *raftboltdb.BoltStore
	boltPath     string
	log          *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type NodeOptions struct {
	NodeID   string            // Identidad de este nodo
	RaftAddr string            // host:port para transporte Raft (ignorado en memoria)
	RaftDir  string            // Directorio de datos de Raft (ignorado en memoria)
	FSM      raft.FSM          // Implementación de FSM
	Peers    map[string]string // Conjunto estático de peers (nodeID->raftAddr). Si >1, bootstrap estático en 1 nodo.

	// InMemory usa log/stable/snapshots y transporte en memoria. Nodo único.
	InMemory bool

	ApplyTimeout time.Duration
	Logger       *zap.Logger
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.NodeID == "" || opts.FSM == nil {
		return nil, errors.New("invalid NodeOptions")
	}
	if !opts.InMemory && (opts.RaftAddr == "" || opts.RaftDir == "") {
		return nil, errors.New("invalid NodeOptions: raft addr and dir are required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.Named("cluster")
	}

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
		trans       raft.Transport
		bolt        *raftboltdb.BoltStore
		boltPath    string
		out         io.Writer = os.Stderr
	)

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)

	if opts.InMemory {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapStore = raft.NewInmemSnapshotStore()
		_, trans = raft.NewInmemTransport(raft.ServerAddress(opts.NodeID))
		out = io.Discard
		// timeouts cortos: el nodo único se elige solo
		cfg.HeartbeatTimeout = 50 * time.Millisecond
		cfg.ElectionTimeout = 50 * time.Millisecond
		cfg.LeaderLeaseTimeout = 50 * time.Millisecond
		cfg.CommitTimeout = 5 * time.Millisecond
	} else {
		if err := os.MkdirAll(opts.RaftDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir raft dir: %w", err)
		}
		// Stores: log + stable en la misma Bolt DB.
		var err error
		boltPath = filepath.Join(opts.RaftDir, "raft.db")
		bolt, err = raftboltdb.NewBoltStore(boltPath)
		if err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}
		logStore, stableStore = bolt, bolt

		// Snapshots en disco (retenemos 2).
		snapStore, err = raft.NewFileSnapshotStore(opts.RaftDir, 2, out)
		if err != nil {
			_ = bolt.Close()
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		tcp, err := raft.NewTCPTransport(opts.RaftAddr, nil, 3, 10*time.Second, out)
		if err != nil {
			_ = bolt.Close()
			return nil, fmt.Errorf("tcp transport: %w", err)
		}
		trans = tcp
	}
	cfg.LogOutput = out

	r, err := raft.NewRaft(cfg, opts.FSM, logStore, stableStore, snapStore, trans)
	if err != nil {
		if bolt != nil {
			_ = bolt.Close()
		}
		return nil, fmt.Errorf("new raft: %w", err)
	}

	n := &Node{
		r:            r,
		applyTimeout: opts.ApplyTimeout,
		id:           cfg.LocalID,
		addr:         trans.LocalAddr(),
		peers:        opts.Peers,
		bolt:         bolt,
		boltPath:     boltPath,
		log:          lg,
		done:         make(chan struct{}),
	}
	if n.applyTimeout <= 0 {
		n.applyTimeout = defaultApplyTimeout
	}

	// Bootstrap si no hay estado previo
	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("check state: %w", err)
	}
	if !hasState {
		if err := n.bootstrap(opts.InMemory); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	n.wg.Add(1)
	go n.watch()
	return n, nil
}

func (n *Node) bootstrap(inMemory bool) error {
	if inMemory || len(n.peers) <= 1 {
		conf := raft.Configuration{Servers: []raft.Server{{ID: n.id, Address: n.addr}}}
		if err := n.r.BootstrapCluster(conf).Error(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		n.log.Info("bootstrapped single-node cluster", zap.String("id", string(n.id)), zap.String("addr", string(n.addr)))
		return nil
	}

	// Static bootstrap on a single, deterministic node (smallest NodeID)
	smallest := string(n.id)
	for k := range n.peers {
		if k < smallest {
			smallest = k
		}
	}
	if string(n.id) != smallest {
		n.log.Info("waiting to join static cluster", zap.String("id", string(n.id)), zap.String("bootstrap", smallest))
		return nil
	}
	var servers []raft.Server
	for id, addr := range n.peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	if err := n.r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("bootstrap(static): %w", err)
	}
	n.log.Info("bootstrapped static cluster", zap.Int("servers", len(servers)), zap.String("id", string(n.id)))
	return nil
}

// watch cuenta cambios de liderazgo y el tamaño del log Bolt hasta Close.
func (n *Node) watch() {
	defer n.wg.Done()
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	leaderCh := n.r.LeaderCh()
	for {
		select {
		case <-n.done:
			return
		case v := <-leaderCh:
			if v {
				appmetrics.RaftLeadershipChanges.Inc()
			}
			n.log.Info("leadership changed", zap.Bool("leader", v))
		case <-t.C:
			if n.bolt == nil {
				continue
			}
			if st, err := os.Stat(n.boltPath); err == nil {
				appmetrics.RaftLogSizeBytes.Set(float64(st.Size()))
			}
		}
	}
}

// Apply serializa la mutación y espera commit o timeout. Si la FSM rechaza
// la mutación, devuelve ese error.
func (n *Node) Apply(ctx context.Context, m Mutation) (uint64, error) {
	if n == nil || n.r == nil {
		return 0, errors.New("raft not initialized")
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return n.ApplyBytes(ctx, buf)
}

// ApplyBytes envía bytes raw al Raft log (sin re-serializar).
func (n *Node) ApplyBytes(ctx context.Context, data []byte) (uint64, error) {
	if n == nil || n.r == nil {
		return 0, errors.New("raft not initialized")
	}
	start := time.Now()
	fut := n.r.Apply(data, n.applyTimeout)

	// Respetar cancelación de ctx mientras esperamos el futuro.
	done := make(chan struct{})
	var applyErr error
	var index uint64
	go func() {
		applyErr = fut.Error()
		if applyErr == nil {
			index = fut.Index()
			if rerr, ok := fut.Response().(error); ok {
				applyErr = rerr
			}
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		appmetrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))
		return index, applyErr
	}
}

// WaitLeader bloquea hasta que el cluster tenga leader o ctx expire.
func (n *Node) WaitLeader(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if n.LeaderID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait leader: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func (n *Node) IsLeader() bool {
	if n == nil || n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

func (n *Node) LeaderID() string {
	if n == nil || n.r == nil {
		return ""
	}
	addr, id := n.r.LeaderWithID()
	if id != "" {
		return string(id)
	}
	return string(addr)
}

func (n *Node) NodeID() string {
	if n == nil {
		return ""
	}
	return string(n.id)
}

func (n *Node) RaftAddr() string {
	if n == nil {
		return ""
	}
	return string(n.addr)
}

// Stats expone métricas de Raft del nodo embebido.
func (n *Node) Stats() map[string]string {
	if n == nil || n.r == nil {
		return map[string]string{}
	}
	return n.r.Stats()
}

func (n *Node) Close() error {
	if n == nil || n.r == nil {
		return nil
	}
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
		err = n.r.Shutdown().Error()
		if n.bolt != nil {
			if cerr := n.bolt.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
