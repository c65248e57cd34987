// Package memory implementa un key store en proceso con concurrencia optimista.
//
// Cada InTx trabaja sobre una copia del estado y al confirmar compara la
// versión base con la vigente: si otra transacción confirmó antes, devuelve
// repository.ErrConflict sin aplicar nada.
package memory

import (
	"context"
	"sync"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
	"github.com/dropDatabas3/nrtmkeys/internal/store/keytable"
)

func init() {
	store.RegisterAdapter(&memoryAdapter{})
}

type memoryAdapter struct{}

func (a *memoryAdapter) Name() string { return "memory" }

func (a *memoryAdapter) Connect(_ context.Context, _ store.AdapterConfig) (repository.KeyStore, error) {
	return New(), nil
}

// Store es seguro para uso concurrente.
type Store struct {
	mu sync.RWMutex
	t  *keytable.Table
}

func New() *Store {
	return &Store{t: keytable.New()}
}

func (s *Store) GetActive(context.Context) (*repository.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.Active()
}

func (s *Store) GetByID(_ context.Context, id string) (*repository.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.Get(id)
}

func (s *Store) GetAll(context.Context) ([]repository.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.All(), nil
}

func (s *Store) QueuedID(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.Queued(), nil
}

func (s *Store) InTx(ctx context.Context, fn func(repo repository.KeyRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	tx := keytable.Begin(s.t)
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.Ops()) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t.Version() != tx.BaseVersion() {
		return repository.ErrConflict
	}
	next, err := s.t.ApplyCommit(tx.Ops())
	if err != nil {
		return err
	}
	s.t = next
	return nil
}

// Version expone la versión confirmada.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.Version()
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

var _ repository.KeyStore = (*Store)(nil)
