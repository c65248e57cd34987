// Package secretbox cifra material sensible en reposo (AES-256-GCM).
//
// La clave de cifrado se deriva de la clave maestra con HKDF-SHA256, así
// la misma clave maestra puede rotarse sin tocar el formato almacenado:
// base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSizeGCM    = 12  // 96 bits
	minMasterKeyLen = 32  // bytes
	sep             = "|" // nonce|ciphertext (ambos en base64)
	derivationInfo  = "nrtmkeys/signing-key-material/v1"
)

var (
	ErrInvalidMasterKey = errors.New("secretbox: invalid master key")
	ErrMalformed        = errors.New("secretbox: malformed ciphertext")
)

// Box sella y abre blobs con una clave derivada de la clave maestra.
type Box struct {
	aead cipher.AEAD
}

// New deriva la clave AES-256 desde master (>= 32 bytes).
func New(master []byte) (*Box, error) {
	if len(master) < minMasterKeyLen {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidMasterKey, minMasterKeyLen, len(master))
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(derivationInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewFromString acepta la clave maestra en base64 (std o raw) o hex.
func NewFromString(s string) (*Box, error) {
	k, err := DecodeMasterKey(s)
	if err != nil {
		return nil, err
	}
	return New(k)
}

// DecodeMasterKey intenta hex, base64 std y base64 raw, en ese orden.
func DecodeMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMasterKey)
	}
	// hex primero: un string hex también es base64 válido
	if b, err := hex.DecodeString(s); err == nil && len(b) >= minMasterKeyLen {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= minMasterKeyLen {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) >= minMasterKeyLen {
		return b, nil
	}
	return nil, fmt.Errorf("%w: expected base64 or hex encoding of %d+ bytes", ErrInvalidMasterKey, minMasterKeyLen)
}

// GenerateMasterKey devuelve 32 bytes aleatorios en base64.
func GenerateMasterKey() (string, error) {
	k := make([]byte, minMasterKeyLen)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Seal cifra plain y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Seal(plain []byte) (string, error) {
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open verifica y descifra un blob producido por Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	nonceB64, ctB64, ok := strings.Cut(sealed, sep)
	if !ok {
		return nil, ErrMalformed
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != nonceSizeGCM {
		return nil, fmt.Errorf("%w: nonce", ErrMalformed)
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrMalformed)
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}
