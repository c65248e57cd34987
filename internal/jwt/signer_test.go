package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store/adapters/memory"
)

var signAt = time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)

func seed(t *testing.T, active bool) (*memory.Store, repository.KeyRecord) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	p, err := keypair.Ed25519Generator{}.Generate()
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := repository.KeyRecord{ID: "k1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), PublicKeyPEM: p.PublicPEM, Private: p.Private, Active: active}
	require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error {
		_, err := r.Insert(ctx, rec)
		return err
	}))
	return s, rec.Public()
}

func TestSign_VerifiesWithGoJOSE(t *testing.T) {
	ctx := context.Background()
	s, rec := seed(t, true)
	payload := []byte(`{"nrtm_version":4,"source":"TEST"}`)

	sig, err := NewSigner(s).Sign(ctx, signAt, rec, payload)
	require.NoError(t, err)
	require.Equal(t, "k1", sig.KeyID)

	compact := sig.Compact(payload)
	obj, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.EdDSA})
	require.NoError(t, err)
	require.Equal(t, "k1", obj.Signatures[0].Header.KeyID)

	pub, err := keypair.ParsePublicPEM(rec.PublicKeyPEM)
	require.NoError(t, err)
	got, err := obj.Verify(pub)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	got, kid, err := Verify(compact, pub)
	require.NoError(t, err)
	require.Equal(t, "k1", kid)
	require.Equal(t, payload, got)

	require.True(t, strings.HasPrefix(sig.Detached(), sig.Protected+".."))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	s, rec := seed(t, true)
	sig, err := NewSigner(s).Sign(ctx, signAt, rec, []byte("original"))
	require.NoError(t, err)

	forged := sig.Protected + "." + b64([]byte("forged")) + "." + sig.Value
	pub, _ := keypair.ParsePublicPEM(rec.PublicKeyPEM)
	_, _, err = Verify(forged, pub)
	require.Error(t, err)

	_, _, err = Verify("only.two", pub)
	require.ErrorIs(t, err, ErrMalformedJWS)
}

func TestSign_RejectsInactiveKey(t *testing.T) {
	ctx := context.Background()
	s, rec := seed(t, false)

	_, err := NewSigner(s).Sign(ctx, signAt, rec, []byte("x"))
	var se *SigningError
	require.True(t, errors.As(err, &se))
	require.ErrorIs(t, err, ErrKeyNotActive)
	require.Equal(t, "k1", se.KeyID)

	// a stale view claiming active is checked against the store
	rec.Active = true
	_, err = NewSigner(s).Sign(ctx, signAt, rec, []byte("x"))
	require.ErrorIs(t, err, ErrKeyNotActive)
}

func TestSign_RetiredKeyRejected(t *testing.T) {
	ctx := context.Background()
	s, rec := seed(t, true)
	require.NoError(t, s.InTx(ctx, func(r repository.KeyRepository) error {
		return r.SetInactive(ctx, rec.ID, time.Now())
	}))
	_, err := NewSigner(s).Sign(ctx, signAt, rec, []byte("x"))
	require.ErrorIs(t, err, ErrKeyNotActive)
}

func TestSign_RejectsExpiredActiveKey(t *testing.T) {
	ctx := context.Background()
	s, rec := seed(t, true)

	_, err := NewSigner(s).Sign(ctx, rec.ExpiresAt.Add(-time.Second), rec, []byte("x"))
	require.NoError(t, err)

	for _, at := range []time.Time{rec.ExpiresAt, rec.ExpiresAt.Add(30 * 24 * time.Hour)} {
		_, err = NewSigner(s).Sign(ctx, at, rec, []byte("x"))
		var se *SigningError
		require.True(t, errors.As(err, &se))
		require.ErrorIs(t, err, ErrKeyExpired)
		require.Equal(t, "k1", se.KeyID)
	}
}

func TestKeySet(t *testing.T) {
	_, rec := seed(t, true)
	set, err := KeySet(&rec, nil)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	require.Equal(t, "k1", set.Keys[0].KeyID)
	require.True(t, set.Keys[0].IsPublic())

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"crv":"Ed25519"`)
	require.NotContains(t, string(raw), `"d":`)
}
