package nrtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/jwt"
	"github.com/dropDatabas3/nrtmkeys/internal/metrics"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
)

// KeyState es la vista de claves que consume el generador.
type KeyState interface {
	State(ctx context.Context, now time.Time) (rotation.Snapshot, error)
}

// DocumentSigner firma con la clave activa. Satisfecho por *jwt.Signer.
type DocumentSigner interface {
	Sign(ctx context.Context, now time.Time, rec repository.KeyRecord, payload []byte) (*jwt.Signature, error)
}

// Generator produce un notification file firmado por fuente.
type Generator struct {
	keys    KeyState
	signer  DocumentSigner
	content ContentSource
	pub     Publisher
	sources []string
}

func NewGenerator(keys KeyState, signer DocumentSigner, content ContentSource, pub Publisher, sources []string) (*Generator, error) {
	if len(sources) == 0 {
		return nil, errors.New("nrtm: at least one source is required")
	}
	return &Generator{keys: keys, signer: signer, content: content, pub: pub, sources: append([]string(nil), sources...)}, nil
}

func (g *Generator) Sources() []string { return append([]string(nil), g.sources...) }

// Generate firma y publica el notification file de todas las fuentes con una
// única vista de claves. Una fuente que falla no frena a las demás; los
// errores se devuelven juntos. Si la clave activa ya venció no se publica
// nada y el error envuelve jwt.ErrKeyExpired.
func (g *Generator) Generate(ctx context.Context, now time.Time) ([]Document, error) {
	return g.generate(ctx, now, g.sources)
}

// GenerateSource hace lo mismo para una sola fuente.
func (g *Generator) GenerateSource(ctx context.Context, now time.Time, source string) (Document, error) {
	known := false
	for _, s := range g.sources {
		if s == source {
			known = true
			break
		}
	}
	if !known {
		return Document{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	docs, err := g.generate(ctx, now, []string{source})
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

func (g *Generator) generate(ctx context.Context, now time.Time, sources []string) ([]Document, error) {
	log := logger.From(ctx).With(logger.Component("nrtm"))

	docs, err := g.signAll(ctx, now, sources)
	if errors.Is(err, jwt.ErrKeyNotActive) {
		// la clave rotó entre la lectura y la firma; una vista nueva alcanza
		log.Info("active key changed while signing, retrying with a fresh view")
		docs, err = g.signAll(ctx, now, sources)
	}
	if err != nil {
		for _, s := range sources {
			metrics.NotificationErrors.WithLabelValues(s).Inc()
		}
		return nil, err
	}

	var errs []error
	published := docs[:0]
	for _, d := range docs {
		if err := g.pub.Publish(ctx, d); err != nil {
			metrics.NotificationErrors.WithLabelValues(d.Source).Inc()
			log.Error("publish notification file failed", logger.Source(d.Source), logger.Err(err))
			errs = append(errs, fmt.Errorf("nrtm: publish %s: %w", d.Source, err))
			continue
		}
		metrics.NotificationsPublished.WithLabelValues(d.Source).Inc()
		log.Debug("notification file published", logger.Source(d.Source), logger.KeyID(d.KeyID))
		published = append(published, d)
	}
	return published, errors.Join(errs...)
}

func (g *Generator) signAll(ctx context.Context, now time.Time, sources []string) ([]Document, error) {
	snap, err := g.keys.State(ctx, now)
	if err != nil {
		return nil, err
	}
	if snap.Active == nil {
		return nil, rotation.ErrNoActiveKey
	}
	if !now.Before(snap.Active.ExpiresAt) {
		// vencida y todavía sin promover: no se firma nada hasta el próximo tick
		return nil, &jwt.SigningError{KeyID: snap.Active.ID, Err: jwt.ErrKeyExpired}
	}
	var next *string
	if snap.Queued != nil {
		pem := snap.Queued.PublicKeyPEM
		next = &pem
	}

	docs := make([]Document, 0, len(sources))
	for _, source := range sources {
		c, err := g.content.Current(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("nrtm: content for %s: %w", source, err)
		}
		nf := newNotificationFile(source, c, now, next)
		payload, err := json.Marshal(nf)
		if err != nil {
			return nil, err
		}
		sig, err := g.signer.Sign(ctx, now, *snap.Active, payload)
		if err != nil {
			return nil, err
		}
		d := Document{
			Source:    source,
			KeyID:     sig.KeyID,
			Version:   c.Version,
			Timestamp: now.UTC(),
			JWS:       sig.Compact(payload),
		}
		if next != nil {
			d.NextSigningKey = *next
		}
		docs = append(docs, d)
	}
	return docs, nil
}
