package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nrtmkeys/internal/cache"
	"github.com/dropDatabas3/nrtmkeys/internal/jwt"
	"github.com/dropDatabas3/nrtmkeys/internal/nrtm"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
	"github.com/dropDatabas3/nrtmkeys/internal/security/keypair"
	"github.com/dropDatabas3/nrtmkeys/internal/store/adapters/memory"
)

const adminKey = "s3cret-admin-key"

var (
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sources = []string{"TEST", "TEST-NONAUTH"}
)

type fixture struct {
	srv    *httptest.Server
	engine *rotation.Engine
	gen    *nrtm.Generator
	clock  *quartz.Mock
	cache  cache.Client
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newFixture(t *testing.T, mut ...func(*RouterDeps)) *fixture {
	t.Helper()
	st := memory.New()
	e, err := rotation.New(st, keypair.Ed25519Generator{}, rotation.DefaultPolicy(), rotation.Options{})
	require.NoError(t, err)
	c := cache.NewMemory("")
	g, err := nrtm.NewGenerator(e, jwt.NewSigner(st), nrtm.NewPlaceholderSource("https://nrtm.example.net/nrtmv4", sources...),
		&nrtm.CachePublisher{Cache: c}, sources)
	require.NoError(t, err)

	mClock := quartz.NewMock(t)
	mClock.Set(t0)

	d := RouterDeps{
		Keys:        e,
		Republish:   g,
		Cache:       c,
		Clock:       mClock,
		Checks:      map[string]Pinger{"store": st, "cache": c},
		AdminAPIKey: adminKey,
	}
	for _, m := range mut {
		m(&d)
	}
	srv := httptest.NewServer(NewRouter(d))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: e, gen: g, clock: mClock, cache: c}
}

func (f *fixture) do(t *testing.T, method, path, key, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(AdminKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNotificationFile_ServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/nrtmv4/TEST/update-notification-file.jose", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := f.engine.MaintenanceTick(ctx, t0)
	require.NoError(t, err)
	docs, err := f.gen.Generate(ctx, t0)
	require.NoError(t, err)

	resp = f.do(t, http.MethodGet, "/nrtmv4/TEST/update-notification-file.jose", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/jose", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=60", resp.Header.Get("Cache-Control"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, docs[0].JWS, string(body))
}

func TestSigningKeys_ActiveAndNext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	year := 365 * 24 * time.Hour

	_, err := f.engine.MaintenanceTick(ctx, t0)
	require.NoError(t, err)
	resp := f.do(t, http.MethodGet, "/nrtmv4/signing-keys", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/jwk-set+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	set := decode[jose.JSONWebKeySet](t, resp)
	require.Len(t, set.Keys, 1)

	inWindow := t0.Add(year - 3*24*time.Hour)
	_, err = f.engine.MaintenanceTick(ctx, inWindow)
	require.NoError(t, err)
	f.clock.Set(inWindow)

	set = decode[jose.JSONWebKeySet](t, f.do(t, http.MethodGet, "/nrtmv4/signing-keys", "", ""))
	require.Len(t, set.Keys, 2)
	for _, k := range set.Keys {
		assert.Equal(t, string(jose.EdDSA), k.Algorithm)
	}
}

func TestSigningKeys_NoActiveKey(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/nrtmv4/signing-keys", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	set := decode[jose.JSONWebKeySet](t, resp)
	assert.Empty(t, set.Keys)
}

func TestAdmin_RequiresKey(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"", "wrong"} {
		resp := f.do(t, http.MethodPost, "/admin/keys/tick", key, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Equal(t, "UNAUTHORIZED", body["code"])
	}
}

func TestAdmin_ClosedWithoutConfiguredKey(t *testing.T) {
	f := newFixture(t, func(d *RouterDeps) { d.AdminAPIKey = "" })
	resp := f.do(t, http.MethodGet, "/admin/keys", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_TickBootstrapsAndRepublishes(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/admin/keys/tick", adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	res := decode[resultResponse](t, resp)
	assert.Equal(t, rotation.Bootstrapped, res.Transition)
	require.NotNil(t, res.Active)
	assert.True(t, res.Active.Active)

	// publicado sin esperar al job
	for _, s := range sources {
		_, err := f.cache.Get(context.Background(), nrtm.CacheKey(s))
		require.NoError(t, err, s)
	}

	// segundo tick: no-op
	res = decode[resultResponse](t, f.do(t, http.MethodPost, "/admin/keys/tick", adminKey, ""))
	assert.Equal(t, rotation.NoOp, res.Transition)
}

func TestAdmin_ForceRotateWithoutQueued(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.MaintenanceTick(context.Background(), t0)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/admin/keys/force-rotate", adminKey, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NO_QUEUED_KEY", decode[map[string]string](t, resp)["code"])
}

func TestAdmin_EmergencyReplace(t *testing.T) {
	f := newFixture(t)
	boot, err := f.engine.MaintenanceTick(context.Background(), t0)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/admin/keys/emergency-replace", adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[resultResponse](t, resp)
	assert.Equal(t, rotation.EmergencyReplaced, res.Transition)
	assert.Contains(t, res.Retired, boot.Active.ID)
	assert.NotEqual(t, boot.Active.ID, res.Active.ID)
}

func TestAdmin_EmergencyReplaceWithoutActive(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/admin/keys/emergency-replace", adminKey, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NO_ACTIVE_KEY", decode[map[string]string](t, resp)["code"])
}

func TestAdmin_CreateAndList(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/keys", adminKey, `{"active":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[resultResponse](t, resp)
	require.NotNil(t, first.Created)
	assert.True(t, first.Created.Active)

	resp = f.do(t, http.MethodPost, "/admin/keys", adminKey, `{"active":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[resultResponse](t, resp)
	assert.False(t, second.Created.Active)

	resp = f.do(t, http.MethodGet, "/admin/keys", adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[keysResponse](t, resp)
	require.Len(t, list.History, 2)
	assert.Equal(t, first.Created.ID, list.Active.ID)
	for _, k := range list.History {
		assert.Contains(t, k.PublicKeyPEM, "BEGIN PUBLIC KEY")
	}
}

func TestAdmin_CreateRejectsBadJSON(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/admin/keys", adminKey, `{"active":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JSON", decode[map[string]string](t, resp)["code"])
}

func TestAdmin_RateLimited(t *testing.T) {
	f := newFixture(t, func(d *RouterDeps) { d.AdminRatePerMinute = 1 })
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/admin/keys", adminKey, "").StatusCode)
	resp := f.do(t, http.MethodGet, "/admin/keys", adminKey, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", decode[readyResponse](t, resp).Status)

	_, err := f.engine.MaintenanceTick(context.Background(), t0)
	require.NoError(t, err)
	resp = f.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[readyResponse](t, resp)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, ready.ActiveKeyID, resp.Header.Get("X-Active-KID"))
	assert.Equal(t, rotation.StateActiveOnly, ready.State)

	down := newFixture(t, func(d *RouterDeps) {
		d.Checks["cache"] = fakePinger{err: errors.New("redis: connection refused")}
	})
	resp = down.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", decode[readyResponse](t, resp).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := RegisterMetrics(reg)
	require.NoError(t, err)
	f := newFixture(t, func(d *RouterDeps) { d.Metrics = h })

	f.do(t, http.MethodGet, "/nrtmv4/TEST/update-notification-file.jose", "", "")
	resp := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `route="/nrtmv4/{source}/update-notification-file.jose"`)
	assert.Contains(t, string(body), "nrtmkeys_queued_key_present")
}

func TestRecover(t *testing.T) {
	h := WithRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_SERVER_ERROR")
}
