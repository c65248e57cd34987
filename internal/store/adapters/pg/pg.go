// Package pg implementa el key store sobre PostgreSQL (pgx/v5).
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
	migrations "github.com/dropDatabas3/nrtmkeys/migrations/postgres"
)

func init() {
	store.RegisterAdapter(&postgresAdapter{})
}

type postgresAdapter struct{}

func (a *postgresAdapter) Name() string { return "postgres" }

func (a *postgresAdapter) Connect(ctx context.Context, cfg store.AdapterConfig) (repository.KeyStore, error) {
	if cfg.Sealer == nil {
		return nil, errors.New("pg: a sealer is required to store private key material")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pg: parse DSN: %w", err)
	}

	// Defaults razonables
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	s := New(pool, cfg.Sealer)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Store es un repository.KeyStore respaldado por Postgres.
type Store struct {
	pool   *pgxpool.Pool
	sealer keypair.Sealer
}

// New envuelve un pool existente. El Store toma posesión del pool.
func New(pool *pgxpool.Pool, sealer keypair.Sealer) *Store {
	return &Store{pool: pool, sealer: sealer}
}

// Migrate aplica las migraciones goose embebidas.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("pg: goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("pg: apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) reader() *keyRepo { return &keyRepo{q: s.pool, sealer: s.sealer} }

func (s *Store) GetActive(ctx context.Context) (*repository.KeyRecord, error) {
	return s.reader().GetActive(ctx)
}

func (s *Store) GetByID(ctx context.Context, id string) (*repository.KeyRecord, error) {
	return s.reader().GetByID(ctx, id)
}

func (s *Store) GetAll(ctx context.Context) ([]repository.KeyRecord, error) {
	return s.reader().GetAll(ctx)
}

func (s *Store) QueuedID(ctx context.Context) (string, error) {
	return s.reader().QueuedID(ctx)
}

// InTx corre fn en una transacción SERIALIZABLE. Los fallos de serialización
// y la versión desfasada se reportan como repository.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(repo repository.KeyRepository) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr(fmt.Errorf("pg: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	var base int64
	if err := tx.QueryRow(ctx, `SELECT version FROM key_state WHERE id = 1`).Scan(&base); err != nil {
		return mapErr(fmt.Errorf("pg: read version: %w", err))
	}

	repo := &keyRepo{q: tx, sealer: s.sealer}
	if err := fn(repo); err != nil {
		return err
	}
	if repo.dirty {
		tag, err := tx.Exec(ctx, `UPDATE key_state SET version = version + 1 WHERE id = 1 AND version = $1`, base)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrConflict
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("pg: commit: %w", err))
	}
	return nil
}

// ─── repo ───

// querier es satisfecho por *pgxpool.Pool y pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type keyRepo struct {
	q      querier
	sealer keypair.Sealer
	dirty  bool
}

const keyColumns = `id, created_at, expires_at, public_key_pem, private_key_sealed, active, retired_at`

func (r *keyRepo) scan(row pgx.Row) (repository.KeyRecord, error) {
	var (
		rec    repository.KeyRecord
		sealed string
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.ExpiresAt, &rec.PublicKeyPEM, &sealed, &rec.Active, &rec.RetiredAt); err != nil {
		return rec, err
	}
	priv, err := keypair.Open(r.sealer, sealed)
	if err != nil {
		return rec, fmt.Errorf("pg: key %s: %w", rec.ID, err)
	}
	rec.Private = priv
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if rec.RetiredAt != nil {
		t := rec.RetiredAt.UTC()
		rec.RetiredAt = &t
	}
	return rec, nil
}

func (r *keyRepo) getOne(ctx context.Context, where string, args ...any) (*repository.KeyRecord, error) {
	rec, err := r.scan(r.q.QueryRow(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (r *keyRepo) GetActive(ctx context.Context) (*repository.KeyRecord, error) {
	return r.getOne(ctx, `active`)
}

func (r *keyRepo) GetByID(ctx context.Context, id string) (*repository.KeyRecord, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *keyRepo) GetAll(ctx context.Context) ([]repository.KeyRecord, error) {
	rows, err := r.q.Query(ctx, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []repository.KeyRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *keyRepo) QueuedID(ctx context.Context) (string, error) {
	var id *string
	if err := r.q.QueryRow(ctx, `SELECT queued_id FROM key_state WHERE id = 1`).Scan(&id); err != nil {
		return "", mapErr(err)
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

func (r *keyRepo) Insert(ctx context.Context, rec repository.KeyRecord) (*repository.KeyRecord, error) {
	if rec.Private == nil {
		return nil, errors.New("pg: insert without private key material")
	}
	sealed, err := keypair.Seal(r.sealer, rec.Private)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.ExpiresAt = rec.ExpiresAt.UTC().Truncate(time.Microsecond)

	const query = `INSERT INTO signing_keys (` + keyColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.q.Exec(ctx, query,
		rec.ID, rec.CreatedAt, rec.ExpiresAt, rec.PublicKeyPEM, sealed, rec.Active, rec.RetiredAt,
	); err != nil {
		return nil, mapErr(err)
	}
	r.dirty = true
	return &rec, nil
}

func (r *keyRepo) SetActive(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `UPDATE signing_keys SET active = TRUE WHERE id = $1 AND retired_at IS NULL`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM signing_keys WHERE id = $1)`, id).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrKeyRetired
	}
	r.dirty = true
	return nil
}

func (r *keyRepo) SetInactive(ctx context.Context, id string, at time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE signing_keys SET active = FALSE, retired_at = COALESCE(retired_at, $2) WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	r.dirty = true
	return nil
}

func (r *keyRepo) SetQueued(ctx context.Context, id string) error {
	if _, err := r.q.Exec(ctx, `UPDATE key_state SET queued_id = NULLIF($1, '') WHERE id = 1`, id); err != nil {
		return mapErr(err)
	}
	r.dirty = true
	return nil
}

const singleActiveIndex = "ux_signing_keys_single_active"

// mapErr traduce SQLSTATEs a errores de dominio.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %v", repository.ErrConflict, err)
	case "23505": // unique_violation
		if pgErr.ConstraintName == singleActiveIndex {
			return fmt.Errorf("%w: %v", repository.ErrActiveKeyExists, err)
		}
		return fmt.Errorf("%w: %v", repository.ErrDuplicateID, err)
	case "23503": // foreign_key_violation
		return fmt.Errorf("%w: %v", repository.ErrNotFound, err)
	}
	return err
}

var _ repository.KeyStore = (*Store)(nil)
