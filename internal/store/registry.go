// Package store provee el registry de adaptadores del key store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
)

// Adapter abre un repository.KeyStore sobre un backend concreto.
type Adapter interface {
	// Name retorna el nombre del adapter (ej: "memory", "postgres", "sqlite", "raft").
	Name() string

	// Connect establece conexión con el almacenamiento.
	Connect(ctx context.Context, cfg AdapterConfig) (repository.KeyStore, error)
}

// Migratable es implementado por stores SQL con migraciones embebidas.
type Migratable interface {
	Migrate(ctx context.Context) error
}

// AdapterConfig configuración para conectar a un almacenamiento.
type AdapterConfig struct {
	// Name del adapter: "memory", "postgres", "sqlite", "raft"
	Name string

	// DSN connection string (postgres, sqlite)
	DSN string

	// Pool settings (para DBs)
	MaxOpenConns int
	MaxIdleConns int

	// AutoMigrate aplica las migraciones pendientes al conectar.
	AutoMigrate bool

	// Sealer cifra el material privado en reposo. Requerido salvo en memory.
	Sealer keypair.Sealer

	Raft RaftOptions
}

// RaftOptions configura el adapter replicado.
type RaftOptions struct {
	NodeID   string
	RaftAddr string
	RaftDir  string
	Peers    map[string]string // nodeID -> raftAddr

	// InMemory usa stores y transporte en memoria (tests, nodo único efímero).
	InMemory bool

	ApplyTimeout time.Duration
}

// ─── Registry Global ───

var (
	registryMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

// RegisterAdapter registra un adapter en el registry global.
// Llamar en init() de cada adapter.
func RegisterAdapter(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := a.Name()
	if _, exists := adapters[name]; exists {
		panic(fmt.Sprintf("adapter: %q already registered", name))
	}
	adapters[name] = a
}

// GetAdapter obtiene un adapter por nombre.
func GetAdapter(name string) (Adapter, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := adapters[name]
	return a, ok
}

// ListAdapters retorna los nombres registrados, ordenados.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenAdapter abre el store usando el adapter especificado en la config.
func OpenAdapter(ctx context.Context, cfg AdapterConfig) (repository.KeyStore, error) {
	a, ok := GetAdapter(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("adapter: %q not registered (available: %v)", cfg.Name, ListAdapters())
	}
	return a.Connect(ctx, cfg)
}
