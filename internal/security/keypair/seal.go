package keypair

import (
	"crypto/ed25519"
	"crypto/x509"
	"fmt"
)

// Sealer encrypts material at rest. *secretbox.Box satisfies it.
type Sealer interface {
	Seal(plain []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Seal encrypts the PKCS#8 encoding of p for storage.
func Seal(s Sealer, p *PrivateKey) (string, error) {
	if p == nil {
		return "", fmt.Errorf("keypair: seal nil key")
	}
	der, err := x509.MarshalPKCS8PrivateKey(p.k)
	if err != nil {
		return "", fmt.Errorf("marshal pkcs8: %w", err)
	}
	out, err := s.Seal(der)
	clear(der)
	return out, err
}

// Open restores a key sealed with Seal.
func Open(s Sealer, sealed string) (*PrivateKey, error) {
	der, err := s.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open sealed key: %w", err)
	}
	defer clear(der)
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	edk, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keypair: sealed key is %T, want ed25519", k)
	}
	return &PrivateKey{k: edk}, nil
}
