package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/nrtmkeys/internal/cache"
	"github.com/dropDatabas3/nrtmkeys/internal/notify"
	"github.com/dropDatabas3/nrtmkeys/internal/nrtm"
)

// RouterDeps agrupa lo que necesita el router.
type RouterDeps struct {
	Keys      KeyAdmin
	Republish Republisher // opcional
	Cache     cache.Client
	Notifier  notify.Notifier // opcional, default LogNotifier
	Metrics   http.Handler    // opcional, /metrics
	Checks    map[string]Pinger
	Clock     quartz.Clock

	AdminAPIKey string
	// AdminRatePerMinute limita /admin por IP; 0 lo deshabilita.
	AdminRatePerMinute int
	// NotificationMaxAge es el max-age de los .jose publicados.
	NotificationMaxAge time.Duration
}

// NewRouter arma el router público + admin.
//
//	GET  /healthz
//	GET  /readyz
//	GET  /metrics
//	GET  /nrtmv4/{source}/update-notification-file.jose
//	GET  /nrtmv4/signing-keys
//	GET  /admin/keys
//	POST /admin/keys                    {"active": bool}
//	POST /admin/keys/tick
//	POST /admin/keys/force-rotate
//	POST /admin/keys/emergency-replace
func NewRouter(d RouterDeps) chi.Router {
	clock := d.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	maxAge := d.NotificationMaxAge
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	h := &handlers{
		keys:      d.Keys,
		republish: d.Republish,
		cache:     d.Cache,
		notifier:  notifier,
		checks:    d.Checks,
		now:       func() time.Time { return clock.Now() },
	}

	r := chi.NewRouter()
	r.Use(WithRecover, WithRequestID, WithMetrics, WithSecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.readyz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/nrtmv4", func(r chi.Router) {
		r.Use(WithLogging)
		r.With(WithCacheControl(cacheControl(maxAge))).
			Get("/{source}/"+nrtm.NotificationFileName, h.notificationFile)
		r.With(WithNoStore()).Get("/signing-keys", h.signingKeys)
	})

	r.Route("/admin/keys", func(r chi.Router) {
		r.Use(WithLogging, AdminRateLimit(d.AdminRatePerMinute), RequireAdminKey(d.AdminAPIKey), WithNoStore())
		r.Get("/", h.listKeys)
		r.Post("/", h.createKey)
		r.Post("/tick", h.adminOp("maintenance_tick", d.Keys.MaintenanceTick))
		r.Post("/force-rotate", h.adminOp("force_activate_queued", d.Keys.ForceActivateQueued))
		r.Post("/emergency-replace", h.adminOp("emergency_replace_active", d.Keys.EmergencyReplaceActive))
	})
	return r
}

func cacheControl(maxAge time.Duration) string {
	return "public, max-age=" + strconv.Itoa(int(maxAge/time.Second))
}
