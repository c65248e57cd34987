package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/nrtmkeys/internal/cache"
	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	httperrors "github.com/dropDatabas3/nrtmkeys/internal/http/errors"
	"github.com/dropDatabas3/nrtmkeys/internal/jwt"
	"github.com/dropDatabas3/nrtmkeys/internal/notify"
	"github.com/dropDatabas3/nrtmkeys/internal/nrtm"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
)

// KeyAdmin es la parte del engine que expone la API.
type KeyAdmin interface {
	State(ctx context.Context, now time.Time) (rotation.Snapshot, error)
	History(ctx context.Context) ([]repository.KeyRecord, error)
	MaintenanceTick(ctx context.Context, now time.Time) (rotation.Result, error)
	ForceActivateQueued(ctx context.Context, now time.Time) (rotation.Result, error)
	EmergencyReplaceActive(ctx context.Context, now time.Time) (rotation.Result, error)
	CreateKeyRecord(ctx context.Context, now time.Time, makeActive bool) (rotation.Result, error)
}

// Republisher regenera los notification files después de una operación de
// admin, para que el cambio de clave se vea sin esperar al job.
type Republisher interface {
	Generate(ctx context.Context, now time.Time) ([]nrtm.Document, error)
}

// Pinger es un componente chequeado por /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ─── DTOs ───

type keyView struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	PublicKeyPEM string     `json:"public_key_pem"`
	Active       bool       `json:"active"`
	Queued       bool       `json:"queued"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

func toKeyView(r *repository.KeyRecord, queuedID string) *keyView {
	if r == nil {
		return nil
	}
	return &keyView{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		PublicKeyPEM: r.PublicKeyPEM,
		Active:       r.Active,
		Queued:       r.ID == queuedID && queuedID != "",
		RetiredAt:    r.RetiredAt,
	}
}

type stateResponse struct {
	State  rotation.State `json:"state"`
	At     time.Time      `json:"at"`
	Active *keyView       `json:"active,omitempty"`
	Queued *keyView       `json:"queued,omitempty"`
}

type keysResponse struct {
	stateResponse
	History []keyView `json:"history"`
}

type resultResponse struct {
	Transition rotation.Transition `json:"transition"`
	stateResponse
	Created *keyView `json:"created,omitempty"`
	Retired []string `json:"retired,omitempty"`
}

type createKeyRequest struct {
	Active bool `json:"active"`
}

type readyResponse struct {
	Status      string            `json:"status"`
	State       rotation.State    `json:"state,omitempty"`
	ActiveKeyID string            `json:"active_key_id,omitempty"`
	Components  map[string]string `json:"components"`
}

func newStateResponse(s rotation.Snapshot) stateResponse {
	qid := ""
	if s.Queued != nil {
		qid = s.Queued.ID
	}
	return stateResponse{State: s.State, At: s.At, Active: toKeyView(s.Active, qid), Queued: toKeyView(s.Queued, qid)}
}

// ─── handlers ───

type handlers struct {
	keys      KeyAdmin
	republish Republisher
	cache     cache.Client
	notifier  notify.Notifier
	checks    map[string]Pinger
	now       func() time.Time
}

// GET /nrtmv4/{source}/update-notification-file.jose
func (h *handlers) notificationFile(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	jws, err := h.cache.Get(r.Context(), nrtm.CacheKey(source))
	if cache.IsNotFound(err) {
		httperrors.WriteError(w, httperrors.ErrNotFound.WithDetail("no notification file published for "+source))
		return
	}
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/jose")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(jws))
}

// GET /nrtmv4/signing-keys: JWKS de la clave activa y la próxima.
func (h *handlers) signingKeys(w http.ResponseWriter, r *http.Request) {
	snap, err := h.keys.State(r.Context(), h.now())
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	set, err := jwt.KeySet(snap.Active, snap.Queued)
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	WriteJSON(w, http.StatusOK, set)
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyResponse{Status: "ready", Components: map[string]string{}}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "unavailable"
			continue
		}
		resp.Components[name] = "ok"
	}
	if snap, err := h.keys.State(ctx, h.now()); err != nil {
		resp.Components["keys"] = err.Error()
		resp.Status = "unavailable"
	} else {
		resp.State = snap.State
		if snap.Active != nil {
			resp.ActiveKeyID = snap.Active.ID
			w.Header().Set("X-Active-KID", snap.Active.ID)
		} else if resp.Status == "ready" {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// GET /admin/keys
func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := h.keys.State(ctx, h.now())
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	all, err := h.keys.History(ctx)
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	resp := keysResponse{stateResponse: newStateResponse(snap), History: make([]keyView, 0, len(all))}
	qid := ""
	if snap.Queued != nil {
		qid = snap.Queued.ID
	}
	for i := range all {
		resp.History = append(resp.History, *toKeyView(&all[i], qid))
	}
	WriteJSON(w, http.StatusOK, resp)
}

// adminOp adapta una operación mutante del engine a un handler.
func (h *handlers) adminOp(op string, fn func(ctx context.Context, now time.Time) (rotation.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.runOp(w, r, op, fn)
	}
}

// POST /admin/keys {"active": bool}
func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	h.runOp(w, r, "create_key_record", func(ctx context.Context, now time.Time) (rotation.Result, error) {
		return h.keys.CreateKeyRecord(ctx, now, req.Active)
	})
}

func (h *handlers) runOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, now time.Time) (rotation.Result, error)) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Component("admin"), logger.Op(op))
	now := h.now()

	res, err := fn(ctx, now)
	if err != nil {
		log.Warn("admin key operation failed", logger.Err(err))
		httperrors.WriteError(w, err)
		return
	}

	if ev := notify.FromResult(op, res); notify.ShouldNotify(ev) {
		if nerr := h.notifier.Notify(ctx, ev); nerr != nil {
			log.Warn("key transition alert failed", logger.Err(nerr))
		}
		if h.republish != nil {
			if _, gerr := h.republish.Generate(ctx, now); gerr != nil {
				log.Warn("republish after key transition failed", logger.Err(gerr))
			}
		}
	}

	resp := resultResponse{Transition: res.Transition, stateResponse: newStateResponse(res.Snapshot), Retired: res.Retired}
	if res.Created != nil {
		qid := ""
		if res.Queued != nil {
			qid = res.Queued.ID
		}
		resp.Created = toKeyView(res.Created, qid)
	}
	WriteJSON(w, http.StatusOK, resp)
}
