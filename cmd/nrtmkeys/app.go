package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"

	"github.com/dropDatabas3/nrtmkeys/internal/cache"
	"github.com/dropDatabas3/nrtmkeys/internal/config"
	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/jwt"
	"github.com/dropDatabas3/nrtmkeys/internal/notify"
	"github.com/dropDatabas3/nrtmkeys/internal/nrtm"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
)

// app agrupa las dependencias armadas desde la config.
type app struct {
	cfg      *config.Config
	clock    quartz.Clock
	store    repository.KeyStore
	engine   *rotation.Engine
	cache    cache.Client
	content  nrtm.ContentSource
	gen      *nrtm.Generator
	notifier notify.Notifier

	closers []func() error
}

// openStore abre sólo el key store; alcanza para los comandos de claves.
func openStore(ctx context.Context, cfg *config.Config) (repository.KeyStore, error) {
	sealer, err := cfg.Sealer()
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	ks, err := store.OpenAdapter(ctx, cfg.StoreConfig(sealer))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return ks, nil
}

func newEngine(cfg *config.Config, ks repository.KeyStore) (*rotation.Engine, error) {
	return rotation.New(ks, keypair.Ed25519Generator{}, cfg.Policy(), cfg.RotationOptions())
}

// buildApp arma todo lo que necesita serve.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clock: quartz.NewReal()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	ks, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = ks
	a.closers = append(a.closers, ks.Close)

	if a.engine, err = newEngine(cfg, ks); err != nil {
		return nil, err
	}

	c, err := cache.New(ctx, cfg.CacheConfig())
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.cache = c
	a.closers = append(a.closers, c.Close)

	pubs := nrtm.MultiPublisher{&nrtm.CachePublisher{Cache: c}}
	if cfg.NRTM.PublishDir != "" {
		pubs = append(pubs, &nrtm.FilePublisher{Dir: cfg.NRTM.PublishDir})
	}
	a.content = cfg.ContentSource()
	if cfg.NRTM.Content == config.ContentPlaceholder {
		logger.L().Warn("placeholder nrtm content: snapshot and delta refs are synthetic, set nrtm.content=manifest for real mirrors")
	}
	if a.gen, err = nrtm.NewGenerator(a.engine, jwt.NewSigner(ks), a.content, pubs, cfg.NRTM.Sources); err != nil {
		return nil, err
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.SMTPEnabled() {
		n, err := notify.NewSMTPNotifier(cfg.SMTPConfig())
		if err != nil {
			return nil, fmt.Errorf("smtp notifier: %w", err)
		}
		notifiers = append(notifiers, n)
	}
	a.notifier = notifiers

	logger.L().Info("dependencies ready",
		logger.String("storage", cfg.Storage.Driver),
		logger.String("cache", cfg.Cache.Kind),
		logger.String("content", cfg.NRTM.Content),
		logger.Count(len(cfg.NRTM.Sources)),
		logger.Bool("smtp", cfg.SMTPEnabled()))
	ok = true
	return a, nil
}

// Close cierra en orden inverso al de apertura.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
