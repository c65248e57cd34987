package jwt

import (
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
)

// KeySet builds the public JWKS for the given records; nil entries are skipped.
func KeySet(records ...*repository.KeyRecord) (jose.JSONWebKeySet, error) {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(records))}
	for _, r := range records {
		if r == nil {
			continue
		}
		pub, err := keypair.ParsePublicPEM(r.PublicKeyPEM)
		if err != nil {
			return jose.JSONWebKeySet{}, fmt.Errorf("key %s: %w", r.ID, err)
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     r.ID,
			Algorithm: string(jose.EdDSA),
			Use:       "sig",
		})
	}
	return set, nil
}
