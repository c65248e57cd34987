// Package jobs corre los trabajos periódicos del servicio: el tick de
// mantenimiento de claves y la generación de notification files por fuente.
//
// Ambos trabajos son independientes y pueden coincidir en el tiempo; la
// exclusión mutua la da el key store, no el runner.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/jwt"
	"github.com/dropDatabas3/nrtmkeys/internal/notify"
	"github.com/dropDatabas3/nrtmkeys/internal/nrtm"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
)

const (
	DefaultRotationInterval     = time.Hour
	DefaultNotificationInterval = time.Minute
)

// Rotator es la parte del engine que usa el job de mantenimiento.
type Rotator interface {
	MaintenanceTick(ctx context.Context, now time.Time) (rotation.Result, error)
}

// Publisher es la parte del generador que usa el job de notificación.
type Publisher interface {
	Generate(ctx context.Context, now time.Time) ([]nrtm.Document, error)
}

type Options struct {
	Clock                quartz.Clock
	RotationInterval     time.Duration
	NotificationInterval time.Duration
	Notifier             notify.Notifier
	Logger               *zap.Logger
}

// Runner agenda ambos trabajos sobre un quartz.Clock.
type Runner struct {
	clock       quartz.Clock
	rot         Rotator
	pub         Publisher
	notifier    notify.Notifier
	rotEvery    time.Duration
	notifyEvery time.Duration
	log         *zap.Logger

	waiters []quartz.Waiter
}

func NewRunner(rot Rotator, pub Publisher, opts Options) *Runner {
	r := &Runner{
		clock:       opts.Clock,
		rot:         rot,
		pub:         pub,
		notifier:    opts.Notifier,
		rotEvery:    opts.RotationInterval,
		notifyEvery: opts.NotificationInterval,
		log:         opts.Logger,
	}
	if r.clock == nil {
		r.clock = quartz.NewReal()
	}
	if r.rotEvery <= 0 {
		r.rotEvery = DefaultRotationInterval
	}
	if r.notifyEvery <= 0 {
		r.notifyEvery = DefaultNotificationInterval
	}
	if r.notifier == nil {
		r.notifier = notify.LogNotifier{}
	}
	if r.log == nil {
		r.log = logger.Named("jobs")
	}
	return r
}

// RunRotationOnce corre un tick con la hora del reloj y avisa si hubo
// transición. Un fallo del aviso se loguea, no falla el tick.
func (r *Runner) RunRotationOnce(ctx context.Context) (rotation.Result, error) {
	ctx = logger.ToContext(ctx, r.log.With(logger.Component("rotation-job")))
	res, err := r.rot.MaintenanceTick(ctx, r.clock.Now())
	if errors.Is(err, repository.ErrNotLeader) {
		// en un cluster sólo el líder rota; los followers replican
		r.log.Debug("maintenance tick skipped on follower")
		return res, nil
	}
	if err != nil {
		r.log.Error("maintenance tick failed", logger.Err(err))
		return res, err
	}
	if ev := notify.FromResult("maintenance_tick", res); notify.ShouldNotify(ev) {
		if nerr := r.notifier.Notify(ctx, ev); nerr != nil {
			r.log.Warn("key transition alert failed", logger.Err(nerr))
		}
	}
	return res, nil
}

// RunNotificationsOnce genera y publica el notification file de cada fuente.
// Si la clave activa venció sin sucesor promovido, corre el mantenimiento
// antes de reintentar; con la clave vencida no se publica nada.
func (r *Runner) RunNotificationsOnce(ctx context.Context) ([]nrtm.Document, error) {
	ctx = logger.ToContext(ctx, r.log.With(logger.Component("notification-job")))
	docs, err := r.pub.Generate(ctx, r.clock.Now())
	if errors.Is(err, jwt.ErrKeyExpired) {
		r.log.Warn("active signing key expired, running maintenance before publishing", logger.Err(err))
		if r.catchUp(ctx) {
			docs, err = r.pub.Generate(ctx, r.clock.Now())
		}
	}
	if err != nil {
		r.log.Error("notification generation failed", logger.Err(err), logger.Count(len(docs)))
	}
	return docs, err
}

// catchUp corre ticks hasta promover un sucesor. Son a lo sumo dos: si la
// ventana se perdió, el primero encola y el segundo promueve.
func (r *Runner) catchUp(ctx context.Context) bool {
	for i := 0; i < 2; i++ {
		res, err := r.RunRotationOnce(ctx)
		if err != nil {
			return false
		}
		switch res.Transition {
		case rotation.Promoted:
			return true
		case rotation.Queued:
			continue
		default:
			return false
		}
	}
	return false
}

// Start corre ambos trabajos una vez (rotación primero, para que el primer
// documento ya tenga clave activa) y luego los agenda. Los errores de cada
// corrida se loguean; los tickers siguen hasta que ctx se cancela.
func (r *Runner) Start(ctx context.Context) {
	_, _ = r.RunRotationOnce(ctx)
	_, _ = r.RunNotificationsOnce(ctx)

	r.waiters = append(r.waiters,
		r.clock.TickerFunc(ctx, r.rotEvery, func() error {
			_, _ = r.RunRotationOnce(ctx)
			return nil
		}, "jobs", "rotation"),
		r.clock.TickerFunc(ctx, r.notifyEvery, func() error {
			_, _ = r.RunNotificationsOnce(ctx)
			return nil
		}, "jobs", "notifications"),
	)
	r.log.Info("jobs scheduled",
		zap.Duration("rotation_interval", r.rotEvery),
		zap.Duration("notification_interval", r.notifyEvery))
}

// Wait bloquea hasta que los tickers terminen. La cancelación del contexto
// de Start no se reporta como error.
func (r *Runner) Wait() error {
	var g errgroup.Group
	for _, w := range r.waiters {
		g.Go(func() error {
			if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
