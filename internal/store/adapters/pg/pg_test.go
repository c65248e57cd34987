package pg

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/security/secretbox"
	"github.com/dropDatabas3/nrtmkeys/internal/store"
	"github.com/dropDatabas3/nrtmkeys/internal/store/storetest"
)

// Requiere un Postgres desechable: NRTMKEYS_TEST_PG_DSN=postgres://...
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("NRTMKEYS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("NRTMKEYS_TEST_PG_DSN not set")
	}
	return dsn
}

func openClean(t *testing.T) repository.KeyStore {
	t.Helper()
	ctx := context.Background()
	master, err := secretbox.GenerateMasterKey()
	require.NoError(t, err)
	box, err := secretbox.NewFromString(master)
	require.NoError(t, err)

	ks, err := store.OpenAdapter(ctx, store.AdapterConfig{
		Name:        "postgres",
		DSN:         testDSN(t),
		AutoMigrate: true,
		Sealer:      box,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	s := ks.(*Store)
	_, err = s.pool.Exec(ctx, `UPDATE key_state SET queued_id = NULL, version = 0 WHERE id = 1`)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `DELETE FROM signing_keys`)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	testDSN(t)
	storetest.Run(t, openClean)
}

func TestMapErr_PassesThroughUnknown(t *testing.T) {
	err := context.DeadlineExceeded
	require.ErrorIs(t, mapErr(err), context.DeadlineExceeded)
}
