// Package jwt es la fachada de firma: produce firmas JWS (EdDSA) sobre
// payloads arbitrarios con la clave activa.
//
// El material privado nunca sale de este paquete ni del store: Sign recibe
// la vista pública del record y resuelve la capacidad de firma por id.
package jwt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
)

// Algorithm es el "alg" JOSE de todas las firmas emitidas.
const Algorithm = "EdDSA"

var (
	// ErrKeyNotActive: se pidió firmar con una clave que no es la activa.
	ErrKeyNotActive = errors.New("jwt: signing key is not active")

	// ErrKeyExpired: la clave activa ya pasó su expiresAt y no firma documentos nuevos.
	ErrKeyExpired = errors.New("jwt: signing key is expired")

	// ErrNoPrivateMaterial: el store no tiene la parte privada de la clave.
	ErrNoPrivateMaterial = errors.New("jwt: signing key has no private material")
)

// SigningError reporta un rechazo o fallo de firma para una clave.
type SigningError struct {
	KeyID string
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("jwt: sign with key %s: %v", e.KeyID, e.Err)
}
func (e *SigningError) Unwrap() error { return e.Err }

// KeyLookup resuelve records completos; repository.KeyReader lo satisface.
type KeyLookup interface {
	GetByID(ctx context.Context, id string) (*repository.KeyRecord, error)
}

// Signer firma payloads con claves del store.
type Signer struct {
	keys KeyLookup
}

func NewSigner(keys KeyLookup) *Signer {
	return &Signer{keys: keys}
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Signature es una firma JWS desacoplada del payload.
type Signature struct {
	KeyID     string
	Algorithm string
	// Protected es el header JOSE en base64url.
	Protected string
	// Value es la firma en base64url.
	Value string
}

// Sign firma payload con rec a la hora now. Rechaza con ErrKeyNotActive claves
// no activas, tanto si lo dice rec como si lo dice el estado confirmado del
// store, y con ErrKeyExpired una clave activa cuyo expiresAt ya pasó.
func (s *Signer) Sign(ctx context.Context, now time.Time, rec repository.KeyRecord, payload []byte) (*Signature, error) {
	if !rec.Active {
		return nil, &SigningError{KeyID: rec.ID, Err: ErrKeyNotActive}
	}
	stored, err := s.keys.GetByID(ctx, rec.ID)
	if err != nil {
		return nil, &SigningError{KeyID: rec.ID, Err: err}
	}
	if !stored.Active || stored.Retired() {
		return nil, &SigningError{KeyID: rec.ID, Err: ErrKeyNotActive}
	}
	if !now.Before(stored.ExpiresAt) {
		return nil, &SigningError{KeyID: rec.ID, Err: ErrKeyExpired}
	}
	if stored.Private == nil {
		return nil, &SigningError{KeyID: rec.ID, Err: ErrNoPrivateMaterial}
	}

	hb, err := json.Marshal(header{Alg: Algorithm, Kid: stored.ID})
	if err != nil {
		return nil, &SigningError{KeyID: rec.ID, Err: err}
	}
	protected := b64(hb)

	sig, err := jwtv5.SigningMethodEdDSA.Sign(protected+"."+b64(payload), stored.Private)
	if err != nil {
		return nil, &SigningError{KeyID: rec.ID, Err: err}
	}
	return &Signature{
		KeyID:     stored.ID,
		Algorithm: Algorithm,
		Protected: protected,
		Value:     b64(sig),
	}, nil
}

// Compact serializa la firma junto al payload: header.payload.signature.
func (s *Signature) Compact(payload []byte) string {
	return s.Protected + "." + b64(payload) + "." + s.Value
}

// Detached serializa sin payload (RFC 7515, apéndice F): header..signature.
func (s *Signature) Detached() string {
	return s.Protected + ".." + s.Value
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
