// Package rotation owns the signing key lifecycle: one active key, at most one
// queued successor, and the time-driven transitions between them.
//
// Every decision is a function of the committed store state and the instant
// passed in by the caller. The engine never reads the wall clock. Each
// mutating operation runs as one store transaction and is retried on write
// conflicts up to Options.MaxAttempts times.
package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/metrics"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
)

const (
	DefaultMaxAttempts  = 5
	defaultRetryInitial = 10 * time.Millisecond
	defaultRetryMax     = 250 * time.Millisecond
)

type Options struct {
	// MaxAttempts bounds transaction attempts per operation (default 5).
	MaxAttempts uint
	// RetryInitial is the first backoff interval after a conflict.
	RetryInitial time.Duration
	// NewID assigns record ids (default uuid v4).
	NewID func() string
}

type Engine struct {
	store        repository.KeyStore
	gen          keypair.Generator
	policy       Policy
	maxAttempts  uint
	retryInitial time.Duration
	newID        func() string
}

func New(store repository.KeyStore, gen keypair.Generator, policy Policy, opts Options) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:        store,
		gen:          gen,
		policy:       policy,
		maxAttempts:  opts.MaxAttempts,
		retryInitial: opts.RetryInitial,
		newID:        opts.NewID,
	}
	if e.maxAttempts == 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.retryInitial <= 0 {
		e.retryInitial = defaultRetryInitial
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// MaintenanceTick applies at most one due transition at now:
// bootstrap when empty, promote when the active key expired and a successor
// is queued, queue a successor once inside the rotation window. Otherwise it
// changes nothing.
func (e *Engine) MaintenanceTick(ctx context.Context, now time.Time) (Result, error) {
	now = normalize(now)
	mint := e.mintOnce(now)

	var res Result
	err := e.run(ctx, "maintenance_tick", func(repo repository.KeyRepository) error {
		res = Result{Transition: NoOp}

		active, err := getActive(ctx, repo)
		if err != nil {
			return err
		}
		if active == nil {
			created, err := insertMinted(ctx, repo, mint, true)
			if err != nil {
				return err
			}
			res = Result{Transition: Bootstrapped, Snapshot: newSnapshot(now, created, nil), Created: publicView(created)}
			return nil
		}

		queued, err := loadQueued(ctx, repo, now)
		if err != nil {
			return err
		}

		switch {
		case queued != nil && !now.Before(active.ExpiresAt):
			promoted, err := promote(ctx, repo, active, queued, now)
			if err != nil {
				return err
			}
			res = Result{Transition: Promoted, Snapshot: newSnapshot(now, promoted, nil), Retired: []string{active.ID}}

		case queued == nil && !now.Before(e.policy.queueAt(active.ExpiresAt)):
			all, err := repo.GetAll(ctx)
			if err != nil {
				return err
			}
			next := pickCandidate(all, active, now)
			if next == nil {
				if next, err = insertMinted(ctx, repo, mint, false); err != nil {
					return err
				}
				res.Created = publicView(next)
			}
			if err := repo.SetQueued(ctx, next.ID); err != nil {
				return err
			}
			res.Transition = Queued
			res.Snapshot = newSnapshot(now, active, next)

		default:
			res.Snapshot = newSnapshot(now, active, queued)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logResult(ctx, "maintenance_tick", res)
	return res, nil
}

// Bootstrap guarantees an active key exists. It never rotates.
func (e *Engine) Bootstrap(ctx context.Context, now time.Time) (Result, error) {
	now = normalize(now)
	mint := e.mintOnce(now)

	var res Result
	err := e.run(ctx, "bootstrap", func(repo repository.KeyRepository) error {
		active, err := getActive(ctx, repo)
		if err != nil {
			return err
		}
		if active != nil {
			queued, err := loadQueued(ctx, repo, now)
			if err != nil {
				return err
			}
			res = Result{Transition: NoOp, Snapshot: newSnapshot(now, active, queued)}
			return nil
		}
		created, err := insertMinted(ctx, repo, mint, true)
		if err != nil {
			return err
		}
		res = Result{Transition: Bootstrapped, Snapshot: newSnapshot(now, created, nil), Created: publicView(created)}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logResult(ctx, "bootstrap", res)
	return res, nil
}

// ForceActivateQueued promotes the queued key regardless of the active key's
// expiry. Fails with ErrNoQueuedKey when nothing valid is queued.
func (e *Engine) ForceActivateQueued(ctx context.Context, now time.Time) (Result, error) {
	now = normalize(now)

	var res Result
	err := e.run(ctx, "force_activate_queued", func(repo repository.KeyRepository) error {
		queued, err := loadQueued(ctx, repo, now)
		if err != nil {
			return err
		}
		if queued == nil {
			return ErrNoQueuedKey
		}
		active, err := getActive(ctx, repo)
		if err != nil {
			return err
		}
		promoted, err := promote(ctx, repo, active, queued, now)
		if err != nil {
			return err
		}
		res = Result{Transition: ForcePromoted, Snapshot: newSnapshot(now, promoted, nil)}
		if active != nil {
			res.Retired = []string{active.ID}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logResult(ctx, "force_activate_queued", res)
	return res, nil
}

// EmergencyReplaceActive retires the active key and any queued key, then
// installs a freshly minted active key. The old queued key is discarded, not
// promoted.
func (e *Engine) EmergencyReplaceActive(ctx context.Context, now time.Time) (Result, error) {
	now = normalize(now)
	mint := e.mintOnce(now)

	var res Result
	err := e.run(ctx, "emergency_replace_active", func(repo repository.KeyRepository) error {
		res = Result{Transition: EmergencyReplaced}

		qid, err := repo.QueuedID(ctx)
		if err != nil {
			return err
		}
		if qid != "" {
			if err := repo.SetQueued(ctx, ""); err != nil {
				return err
			}
			q, err := repo.GetByID(ctx, qid)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if q != nil && !q.Active && !q.Retired() {
				if err := repo.SetInactive(ctx, qid, now); err != nil {
					return err
				}
				res.Retired = append(res.Retired, qid)
			}
		}

		active, err := getActive(ctx, repo)
		if err != nil {
			return err
		}
		if active != nil {
			if err := repo.SetInactive(ctx, active.ID, now); err != nil {
				return err
			}
			res.Retired = append(res.Retired, active.ID)
		}

		created, err := insertMinted(ctx, repo, mint, true)
		if err != nil {
			return err
		}
		res.Created = publicView(created)
		res.Snapshot = newSnapshot(now, created, nil)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logResult(ctx, "emergency_replace_active", res)
	return res, nil
}

// CreateKeyRecord inserts a new record outside the normal rotation path.
// With makeActive the current active key is retired in the same
// transaction, and the queued pointer is cleared unless the queued key still
// outlives the new active key.
func (e *Engine) CreateKeyRecord(ctx context.Context, now time.Time, makeActive bool) (Result, error) {
	now = normalize(now)
	mint := e.mintOnce(now)

	var res Result
	err := e.run(ctx, "create_key_record", func(repo repository.KeyRepository) error {
		res = Result{Transition: Created}

		active, err := getActive(ctx, repo)
		if err != nil {
			return err
		}
		if makeActive && active != nil {
			if err := repo.SetInactive(ctx, active.ID, now); err != nil {
				return err
			}
			res.Retired = []string{active.ID}
		}
		created, err := insertMinted(ctx, repo, mint, makeActive)
		if err != nil {
			return err
		}
		if makeActive {
			active = created
		}
		queued, err := loadQueued(ctx, repo, now)
		if err != nil {
			return err
		}
		if makeActive && queued != nil && !queued.ExpiresAt.After(created.ExpiresAt) {
			// nunca llegaría a firmar: dejarlo anunciado haría que los mirrors fijen una clave inútil
			if err := repo.SetQueued(ctx, ""); err != nil {
				return err
			}
			queued = nil
		}
		res.Created = publicView(created)
		res.Snapshot = newSnapshot(now, active, queued)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logResult(ctx, "create_key_record", res)
	return res, nil
}

// ─── Reads ───

// ActiveKey returns the public view of the active key or ErrNoActiveKey.
func (e *Engine) ActiveKey(ctx context.Context) (*repository.KeyRecord, error) {
	active, err := getActive(ctx, e.store)
	if err != nil {
		return nil, &StoreError{Op: "active_key", Err: err}
	}
	if active == nil {
		return nil, ErrNoActiveKey
	}
	return publicView(active), nil
}

// QueuedKey returns the public view of the queued key, or nil when no
// rotation is pending. A nil result is not an error.
func (e *Engine) QueuedKey(ctx context.Context, now time.Time) (*repository.KeyRecord, error) {
	q, err := loadQueued(ctx, e.store, normalize(now))
	if err != nil {
		return nil, &StoreError{Op: "queued_key", Err: err}
	}
	return publicView(q), nil
}

// State reads active and queued keys from a single consistent view.
func (e *Engine) State(ctx context.Context, now time.Time) (Snapshot, error) {
	now = normalize(now)
	var snap Snapshot
	err := e.run(ctx, "state", func(repo repository.KeyRepository) error {
		active, err := getActive(ctx, repo)
		if err != nil {
			return err
		}
		queued, err := loadQueued(ctx, repo, now)
		if err != nil {
			return err
		}
		snap = newSnapshot(now, active, queued)
		return nil
	})
	if err == nil {
		observe(snap)
	}
	return snap, err
}

// History lists every record ever created, oldest first, without private material.
func (e *Engine) History(ctx context.Context) ([]repository.KeyRecord, error) {
	all, err := e.store.GetAll(ctx)
	if err != nil {
		return nil, &StoreError{Op: "history", Err: err}
	}
	out := make([]repository.KeyRecord, len(all))
	for i := range all {
		out[i] = all[i].Public()
	}
	return out, nil
}

// ─── internals ───

// run executes fn in a store transaction, retrying only on write conflicts.
func (e *Engine) run(ctx context.Context, op string, fn func(repo repository.KeyRepository) error) error {
	log := logger.From(ctx).With(logger.Component("rotation"), logger.Op(op))

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.retryInitial
	exp.MaxInterval = defaultRetryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.store.InTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, repository.ErrConflict):
			metrics.KeyTxConflicts.Inc()
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debug("write conflict, retrying", logger.Err(err), zap.Duration("backoff", d))
		}),
	)
	if err == nil {
		return nil
	}
	metrics.KeyOpErrors.WithLabelValues(op).Inc()
	if isDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// mintOnce generates key material lazily and reuses it across retries.
func (e *Engine) mintOnce(now time.Time) func() (repository.KeyRecord, error) {
	var rec *repository.KeyRecord
	return func() (repository.KeyRecord, error) {
		if rec != nil {
			return *rec, nil
		}
		pair, err := e.gen.Generate()
		if err != nil {
			return repository.KeyRecord{}, &KeyGenerationError{Err: err}
		}
		rec = &repository.KeyRecord{
			ID:           e.newID(),
			CreatedAt:    now,
			ExpiresAt:    now.Add(e.policy.Validity),
			PublicKeyPEM: pair.PublicPEM,
			Private:      pair.Private,
		}
		return *rec, nil
	}
}

func (e *Engine) logResult(ctx context.Context, op string, res Result) {
	observe(res.Snapshot)
	log := logger.From(ctx).With(logger.Component("rotation"), logger.Op(op), logger.Transition(string(res.Transition)))
	if res.Transition == NoOp {
		log.Debug("no key transition due")
		return
	}
	fields := []zap.Field{zap.String("state", string(res.State))}
	if res.Active != nil {
		fields = append(fields, logger.KeyID(res.Active.ID), zap.Time("active_expires_at", res.Active.ExpiresAt))
	}
	if res.Queued != nil {
		fields = append(fields, zap.String("queued_key_id", res.Queued.ID))
	}
	if len(res.Retired) > 0 {
		fields = append(fields, zap.Strings("retired_key_ids", res.Retired))
	}
	log.Info("signing key transition", fields...)
	metrics.KeyTransitions.WithLabelValues(string(res.Transition)).Inc()
}

func observe(s Snapshot) {
	if s.Active != nil {
		metrics.ActiveKeyExpiry.Set(float64(s.Active.ExpiresAt.Unix()))
	}
	if s.Queued != nil {
		metrics.QueuedKeyPresent.Set(1)
	} else {
		metrics.QueuedKeyPresent.Set(0)
	}
}

func insertMinted(ctx context.Context, repo repository.KeyRepository, mint func() (repository.KeyRecord, error), active bool) (*repository.KeyRecord, error) {
	rec, err := mint()
	if err != nil {
		return nil, err
	}
	rec.Active = active
	return repo.Insert(ctx, rec)
}

// promote retires the current active key before activating its successor so
// no instant has two active records.
func promote(ctx context.Context, repo repository.KeyRepository, active, queued *repository.KeyRecord, now time.Time) (*repository.KeyRecord, error) {
	if active != nil {
		if err := repo.SetInactive(ctx, active.ID, now); err != nil {
			return nil, err
		}
	}
	if err := repo.SetActive(ctx, queued.ID); err != nil {
		return nil, err
	}
	if err := repo.SetQueued(ctx, ""); err != nil {
		return nil, err
	}
	return repo.GetByID(ctx, queued.ID)
}

func getActive(ctx context.Context, r repository.KeyReader) (*repository.KeyRecord, error) {
	active, err := r.GetActive(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return active, err
}

// loadQueued resolves the queued pointer; a stale pointer reads as nothing queued.
func loadQueued(ctx context.Context, r repository.KeyReader, now time.Time) (*repository.KeyRecord, error) {
	id, err := r.QueuedID(ctx)
	if err != nil || id == "" {
		return nil, err
	}
	q, err := r.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !eligibleQueued(q, now) {
		return nil, nil
	}
	return q, nil
}

func eligibleQueued(r *repository.KeyRecord, now time.Time) bool {
	return r != nil && !r.Active && !r.Retired() && r.ExpiresAt.After(now)
}

// pickCandidate chooses an existing inactive record to queue instead of
// minting: never retired, unexpired at now, outliving the active key. Among
// those the most recently created wins, ties broken by greatest id.
func pickCandidate(all []repository.KeyRecord, active *repository.KeyRecord, now time.Time) *repository.KeyRecord {
	var best *repository.KeyRecord
	for i := range all {
		r := &all[i]
		if r.ID == active.ID || !eligibleQueued(r, now) || !r.ExpiresAt.After(active.ExpiresAt) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) || (r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// normalize drops sub-microsecond precision so SQL backends round-trip exactly.
func normalize(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }
