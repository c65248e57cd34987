// Package keypair produces asymmetric signing keys for notification documents.
//
// The private half is wrapped in PrivateKey, a crypto.Signer whose raw bytes
// are unexported. It renders as a redacted marker under fmt and refuses JSON
// and text marshaling, so a KeyRecord that reaches a log line or a document
// encoder cannot carry the secret with it.
package keypair

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

const redacted = "[REDACTED ed25519 private key]"

var (
	ErrNotExportable = errors.New("keypair: private key material is not exportable")
	ErrInvalidPEM    = errors.New("keypair: invalid public key PEM")
)

// PrivateKey is an opaque signing capability.
type PrivateKey struct {
	k ed25519.PrivateKey
}

// Public implements crypto.Signer.
func (p *PrivateKey) Public() crypto.PublicKey {
	return p.k.Public()
}

// Sign implements crypto.Signer. Ed25519 signs the full message, opts must be crypto.Hash(0).
func (p *PrivateKey) Sign(r io.Reader, message []byte, opts crypto.SignerOpts) ([]byte, error) {
	if p == nil || len(p.k) != ed25519.PrivateKeySize {
		return nil, errors.New("keypair: empty private key")
	}
	return p.k.Sign(r, message, opts)
}

func (p *PrivateKey) String() string   { return redacted }
func (p *PrivateKey) GoString() string { return redacted }

// Format covers %v, %+v, %#v, %s, %x and friends.
func (p *PrivateKey) Format(f fmt.State, _ rune) { _, _ = io.WriteString(f, redacted) }

func (p *PrivateKey) MarshalJSON() ([]byte, error) { return nil, ErrNotExportable }
func (p *PrivateKey) MarshalText() ([]byte, error) { return nil, ErrNotExportable }

// Pair is a freshly generated key: PEM public half plus the signing capability.
type Pair struct {
	PublicPEM string
	Private   *PrivateKey
}

// Generator mints key pairs on demand.
type Generator interface {
	Generate() (Pair, error)
}

// Ed25519Generator is the production generator. Rand defaults to crypto/rand.
type Ed25519Generator struct {
	Rand io.Reader
}

func (g Ed25519Generator) Generate() (Pair, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return Pair{}, fmt.Errorf("ed25519 generate: %w", err)
	}
	pemStr, err := EncodePublicPEM(pub)
	if err != nil {
		return Pair{}, err
	}
	return Pair{PublicPEM: pemStr, Private: &PrivateKey{k: priv}}, nil
}

// EncodePublicPEM exports a public key as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal pkix: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicPEM is the inverse of EncodePublicPEM.
func ParsePublicPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidPEM
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	pub, ok := k.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidPEM)
	}
	return pub, nil
}
