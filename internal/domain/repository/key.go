package repository

import (
	"context"
	"time"

	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
)

// KeyRecord es un par de claves y su metadata de ciclo de vida.
type KeyRecord struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time // inmutable: CreatedAt + validez

	// PublicKeyPEM es publicable tal cual.
	PublicKeyPEM string

	// Private es nil en vistas públicas (ver Public).
	Private *keypair.PrivateKey

	Active bool

	// RetiredAt se fija la primera vez que la clave pasa a inactiva por
	// SetInactive. Una clave retirada no vuelve a activarse.
	RetiredAt *time.Time
}

// Public devuelve una copia sin material privado.
func (r KeyRecord) Public() KeyRecord {
	r.Private = nil
	if r.RetiredAt != nil {
		t := *r.RetiredAt
		r.RetiredAt = &t
	}
	return r
}

// Retired indica si la clave fue retirada de forma permanente.
func (r KeyRecord) Retired() bool { return r.RetiredAt != nil }

// KeyReader expone lecturas del último estado confirmado.
type KeyReader interface {
	// GetActive devuelve la única clave con active=true o ErrNotFound.
	GetActive(ctx context.Context) (*KeyRecord, error)

	// GetByID busca una clave por id o devuelve ErrNotFound.
	GetByID(ctx context.Context, id string) (*KeyRecord, error)

	// GetAll devuelve todas las claves ordenadas por CreatedAt ascendente
	// (desempate por id).
	GetAll(ctx context.Context) ([]KeyRecord, error)

	// QueuedID devuelve el id de la clave encolada o "" si no hay.
	QueuedID(ctx context.Context) (string, error)
}

// KeyRepository agrega las mutaciones. Solo es válido dentro de InTx.
type KeyRepository interface {
	KeyReader

	// Insert persiste un record nuevo. Falla con ErrActiveKeyExists si el
	// record es activo y ya existe otro activo.
	Insert(ctx context.Context, rec KeyRecord) (*KeyRecord, error)

	// SetActive marca la clave como activa. Idempotente. Falla con
	// ErrKeyRetired si la clave fue retirada y con ErrActiveKeyExists si otra
	// clave sigue activa.
	SetActive(ctx context.Context, id string) error

	// SetInactive desactiva y retira la clave. Idempotente: RetiredAt
	// conserva el primer valor.
	SetInactive(ctx context.Context, id string, at time.Time) error

	// SetQueued fija el puntero a la clave encolada ("" lo limpia).
	SetQueued(ctx context.Context, id string) error
}

// KeyStore es el store compartido por todos los jobs.
type KeyStore interface {
	KeyReader

	// InTx ejecuta fn como una unidad atómica. Si otra transacción confirmó
	// cambios en paralelo, InTx devuelve ErrConflict y no aplica nada.
	InTx(ctx context.Context, fn func(repo KeyRepository) error) error

	Ping(ctx context.Context) error
	Close() error
}
