package nrtm

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/cache"
	"github.com/dropDatabas3/nrtmkeys/internal/util/atomicwrite"
)

// Document es un notification file firmado, listo para publicar.
type Document struct {
	Source    string
	KeyID     string
	Version   int64
	Timestamp time.Time
	// JWS es la serialización compacta (header.payload.signature).
	JWS string
	// NextSigningKey es el PEM anunciado, "" si no hay clave encolada.
	NextSigningKey string
}

// Publisher entrega documentos a los espejos.
type Publisher interface {
	Publish(ctx context.Context, doc Document) error
}

// CacheKey es la key bajo la que se guarda el documento de source.
func CacheKey(source string) string { return "notification:" + source }

// CachePublisher guarda el .jose en el cache para que lo sirva el router.
type CachePublisher struct {
	Cache cache.Client
	TTL   time.Duration // 0 = sin expiración
}

func (p *CachePublisher) Publish(ctx context.Context, doc Document) error {
	return p.Cache.Set(ctx, CacheKey(doc.Source), doc.JWS, p.TTL)
}

// FilePublisher escribe <Dir>/<source>/update-notification-file.jose.
type FilePublisher struct {
	Dir string
}

func (p *FilePublisher) Path(source string) string {
	return filepath.Join(p.Dir, source, NotificationFileName)
}

func (p *FilePublisher) Publish(_ context.Context, doc Document) error {
	return atomicwrite.WriteFile(p.Path(doc.Source), []byte(doc.JWS), 0o644)
}

// MultiPublisher publica en todos; sigue ante errores y los junta.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, doc Document) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
