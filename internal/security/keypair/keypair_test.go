package keypair

import (
	"crypto"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dropDatabas3/nrtmkeys/internal/security/secretbox"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerate_PEMRoundTrip(t *testing.T) {
	t.Parallel()
	p, err := Ed25519Generator{}.Generate()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p.PublicPEM, "-----BEGIN PUBLIC KEY-----"))

	pub, err := ParsePublicPEM(p.PublicPEM)
	require.NoError(t, err)
	require.True(t, pub.Equal(p.Private.Public()))

	sig, err := p.Private.Sign(nil, []byte("payload"), crypto.Hash(0))
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, []byte("payload"), sig))
}

func TestPrivateKey_NeverRendersMaterial(t *testing.T) {
	t.Parallel()
	p, err := Ed25519Generator{}.Generate()
	require.NoError(t, err)
	raw := fmt.Sprintf("%x", []byte(p.Private.k))

	for _, verb := range []string{"%v", "%+v", "%#v", "%s", "%x"} {
		out := fmt.Sprintf(verb, p.Private)
		require.NotContains(t, out, raw[:16], verb)
		require.Contains(t, out, "REDACTED", verb)
	}
	// struct embedding still goes through Format
	out := fmt.Sprintf("%+v", struct{ K *PrivateKey }{p.Private})
	require.NotContains(t, out, raw[:16])

	_, err = json.Marshal(struct{ K *PrivateKey }{p.Private})
	require.True(t, errors.Is(err, ErrNotExportable), "got %v", err)

	core, logs := observer.New(zap.DebugLevel)
	zap.New(core).Info("key", zap.Any("k", p.Private), zap.Stringer("s", p.Private))
	for _, e := range logs.All() {
		for _, v := range e.ContextMap() {
			require.NotContains(t, fmt.Sprint(v), raw[:16])
		}
	}
}

func TestSealOpen(t *testing.T) {
	t.Parallel()
	master, err := secretbox.GenerateMasterKey()
	require.NoError(t, err)
	box, err := secretbox.NewFromString(master)
	require.NoError(t, err)

	p, err := Ed25519Generator{}.Generate()
	require.NoError(t, err)

	sealed, err := Seal(box, p.Private)
	require.NoError(t, err)

	back, err := Open(box, sealed)
	require.NoError(t, err)
	require.True(t, ed25519.PrivateKey(back.k).Equal(p.Private.k))
}

func TestParsePublicPEM_Rejects(t *testing.T) {
	t.Parallel()
	_, err := ParsePublicPEM("not pem")
	require.ErrorIs(t, err, ErrInvalidPEM)
}
