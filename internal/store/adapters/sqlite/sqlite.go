// Package sqlite implementa el key store sobre SQLite (modernc, sin cgo).
//
// Las escrituras usan BEGIN IMMEDIATE y una sola conexión, así que se
// serializan en el propio archivo; la versión de key_state se compara igual
// al confirmar para detectar escritores externos sobre el mismo archivo.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
	migrations "github.com/dropDatabas3/nrtmkeys/migrations/sqlite"
)

func init() {
	store.RegisterAdapter(&sqliteAdapter{})
}

type sqliteAdapter struct{}

func (a *sqliteAdapter) Name() string { return "sqlite" }

func (a *sqliteAdapter) Connect(ctx context.Context, cfg store.AdapterConfig) (repository.KeyStore, error) {
	if cfg.Sealer == nil {
		return nil, errors.New("sqlite: a sealer is required to store private key material")
	}
	s, err := Open(ctx, cfg.DSN, cfg.Sealer)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Store es un repository.KeyStore respaldado por un archivo SQLite.
type Store struct {
	db     *sqlx.DB
	sealer keypair.Sealer
}

// Open abre (o crea) la base en path. Acepta un path plano o un DSN con query.
func Open(ctx context.Context, path string, sealer keypair.Sealer) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite no soporta escrituras concurrentes
	return &Store{db: db, sealer: sealer}, nil
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite: empty DSN")
	}
	file, query, _ := strings.Cut(path, "?")
	if file != ":memory:" && !strings.HasPrefix(file, "file:") {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return "", fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_txlock=immediate",
	}
	if query != "" {
		params = append(params, query)
	}
	return file + "?" + strings.Join(params, "&"), nil
}

// Migrate aplica las migraciones goose embebidas.
func (s *Store) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(database.DialectSQLite3, s.db.DB, migrations.FS)
	if err != nil {
		return fmt.Errorf("sqlite: goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func (s *Store) reader() *keyRepo { return &keyRepo{q: s.db, sealer: s.sealer} }

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

// InTx corre fn en una transacción IMMEDIATE con chequeo de versión.
func (s *Store) InTx(ctx context.Context, fn func(repo repository.KeyRepository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("sqlite: begin: %w", err))
	}
	defer rollback(tx)

	var base int64
	if err := tx.GetContext(ctx, &base, `SELECT version FROM key_state WHERE id = 1`); err != nil {
		return mapErr(fmt.Errorf("sqlite: read version: %w", err))
	}

	repo := &keyRepo{q: tx, sealer: s.sealer}
	if err := fn(repo); err != nil {
		return err
	}
	if repo.dirty {
		res, err := tx.ExecContext(ctx, `UPDATE key_state SET version = version + 1 WHERE id = 1 AND version = ?`, base)
		if err != nil {
			return mapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.ErrConflict
		}
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sqlx.Tx) { _ = tx.Rollback() }

// ─── repo ───

// querier es satisfecho por *sqlx.DB y *sqlx.Tx.
type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type keyRepo struct {
	q      querier
	sealer keypair.Sealer
	dirty  bool
}

type keyRow struct {
	ID               string        `db:"id"`
	CreatedAt        int64         `db:"created_at"`
	ExpiresAt        int64         `db:"expires_at"`
	PublicKeyPEM     string        `db:"public_key_pem"`
	PrivateKeySealed string        `db:"private_key_sealed"`
	Active           bool          `db:"active"`
	RetiredAt        sql.NullInt64 `db:"retired_at"`
}

const keyColumns = `id, created_at, expires_at, public_key_pem, private_key_sealed, active, retired_at`

func (r *keyRepo) toRecord(row keyRow) (repository.KeyRecord, error) {
	priv, err := keypair.Open(r.sealer, row.PrivateKeySealed)
	if err != nil {
		return repository.KeyRecord{}, fmt.Errorf("sqlite: key %s: %w", row.ID, err)
	}
	rec := repository.KeyRecord{
		ID:           row.ID,
		CreatedAt:    fromMicros(row.CreatedAt),
		ExpiresAt:    fromMicros(row.ExpiresAt),
		PublicKeyPEM: row.PublicKeyPEM,
		Private:      priv,
		Active:       row.Active,
	}
	if row.RetiredAt.Valid {
		t := fromMicros(row.RetiredAt.Int64)
		rec.RetiredAt = &t
	}
	return rec, nil
}

func (r *keyRepo) getOne(ctx context.Context, where string, args ...any) (*repository.KeyRecord, error) {
	var row keyRow
	err := r.q.GetContext(ctx, &row, `SELECT `+keyColumns+` FROM signing_keys WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	rec, err := r.toRecord(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *keyRepo) GetActive(ctx context.Context) (*repository.KeyRecord, error) {
	return r.getOne(ctx, `active = 1`)
}

func (r *keyRepo) GetByID(ctx context.Context, id string) (*repository.KeyRecord, error) {
	return r.getOne(ctx, `id = ?`, id)
}

func (r *keyRepo) GetAll(ctx context.Context) ([]repository.KeyRecord, error) {
	var rows []keyRow
	if err := r.q.SelectContext(ctx, &rows, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at, id`); err != nil {
		return nil, mapErr(err)
	}
	out := make([]repository.KeyRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := r.toRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *keyRepo) QueuedID(ctx context.Context) (string, error) {
	var id sql.NullString
	if err := r.q.GetContext(ctx, &id, `SELECT queued_id FROM key_state WHERE id = 1`); err != nil {
		return "", mapErr(err)
	}
	return id.String, nil
}

func (r *keyRepo) Insert(ctx context.Context, rec repository.KeyRecord) (*repository.KeyRecord, error) {
	if rec.Private == nil {
		return nil, errors.New("sqlite: insert without private key material")
	}
	sealed, err := keypair.Seal(r.sealer, rec.Private)
	if err != nil {
		return nil, err
	}
	var retired sql.NullInt64
	if rec.RetiredAt != nil {
		retired = sql.NullInt64{Int64: toMicros(*rec.RetiredAt), Valid: true}
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO signing_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, toMicros(rec.CreatedAt), toMicros(rec.ExpiresAt), rec.PublicKeyPEM, sealed, rec.Active, retired,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	r.dirty = true
	rec.CreatedAt = fromMicros(toMicros(rec.CreatedAt))
	rec.ExpiresAt = fromMicros(toMicros(rec.ExpiresAt))
	return &rec, nil
}

func (r *keyRepo) SetActive(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE signing_keys SET active = 1 WHERE id = ? AND retired_at IS NULL`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrRetired(ctx, id)
	}
	r.dirty = true
	return nil
}

func (r *keyRepo) SetInactive(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE signing_keys SET active = 0, retired_at = COALESCE(retired_at, ?) WHERE id = ?`,
		toMicros(at), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	r.dirty = true
	return nil
}

func (r *keyRepo) SetQueued(ctx context.Context, id string) error {
	var v any
	if id != "" {
		v = id
	}
	if _, err := r.q.ExecContext(ctx, `UPDATE key_state SET queued_id = ? WHERE id = 1`, v); err != nil {
		return mapErr(err)
	}
	r.dirty = true
	return nil
}

func (r *keyRepo) missingOrRetired(ctx context.Context, id string) error {
	var n int
	if err := r.q.GetContext(ctx, &n, `SELECT COUNT(1) FROM signing_keys WHERE id = ?`, id); err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return repository.ErrKeyRetired
}

// mapErr traduce códigos SQLite a errores de dominio.
func mapErr(err error) error {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	code := sqliteErr.Code()
	switch {
	case code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", repository.ErrDuplicateID, err)
	case code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %v", repository.ErrActiveKeyExists, err)
	case code == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %v", repository.ErrNotFound, err)
	case code&0xff == sqlite3lib.SQLITE_BUSY, code&0xff == sqlite3lib.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", repository.ErrConflict, err)
	}
	return err
}

func toMicros(t time.Time) int64   { return t.UTC().UnixMicro() }
func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

var _ repository.KeyStore = (*Store)(nil)
