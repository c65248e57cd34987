package http

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	httperrors "github.com/dropDatabas3/nrtmkeys/internal/http/errors"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
)

// Middleware es la firma estándar de chi.
type Middleware = func(http.Handler) http.Handler

// AdminKeyHeader lleva la API key de los endpoints de administración.
const AdminKeyHeader = "X-Admin-API-Key"

// ─────────────── Request ID ───────────────
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			var b [16]byte
			_, _ = rand.Read(b[:])
			rid = hex.EncodeToString(b[:])
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := logger.ToContext(r.Context(), logger.From(r.Context()).With(logger.RequestID(rid)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ─────────────── Recover de pánicos ───────────────
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.From(r.Context()).Error("panic recovered", logger.Op("recover"), logger.Any("panic", rec))
				httperrors.WriteError(w, httperrors.ErrInternalServerError.WithDetail("panic recovered"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ─────────────── Logging ───────────────
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		logger.From(r.Context()).Info("http",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Status(rec.status),
			logger.Int("bytes", rec.bytes),
			logger.Duration(time.Since(start)),
		)
	})
}

// ─────────────── Security Headers ───────────────

// WithSecurityHeaders inyecta cabeceras de defensa. No toca Cache-Control.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// WithCacheControl fija Cache-Control en la respuesta.
func WithCacheControl(directive string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", directive)
			next.ServeHTTP(w, r)
		})
	}
}

// WithNoStore para respuestas de administración.
func WithNoStore() Middleware { return WithCacheControl("no-store") }

// ─────────────── Admin ───────────────

// RequireAdminKey exige la API key de administración. Sin key configurada
// los endpoints de admin quedan cerrados.
func RequireAdminKey(key string) Middleware {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(AdminKeyHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				httperrors.WriteError(w, httperrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminRateLimit limita por IP los endpoints de administración. perMinute <= 0
// lo deshabilita.
func AdminRateLimit(perMinute int) Middleware {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httperrors.WriteError(w, &httperrors.AppError{
				Code:       "RATE_LIMITED",
				Message:    "Demasiadas solicitudes.",
				HTTPStatus: http.StatusTooManyRequests,
			})
		}),
	)
}
