// Package errors define el error estándar de la API HTTP y su serialización.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/dropDatabas3/nrtmkeys/internal/domain/repository"
	"github.com/dropDatabas3/nrtmkeys/internal/jwt"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
)

// AppError es el error que ve el cliente. Err (la causa) nunca se serializa.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail devuelve una copia con detalle; no muta los errores base.
func (e *AppError) WithDetail(detail string) *AppError {
	c := *e
	c.Detail = detail
	return &c
}

// WithCause devuelve una copia con la causa original.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

var (
	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "La solicitud contiene parámetros inválidos.",
		HTTPStatus: http.StatusBadRequest,
	}
	ErrInvalidJSON = &AppError{
		Code:       "INVALID_JSON",
		Message:    "El cuerpo de la solicitud no es un JSON válido.",
		HTTPStatus: http.StatusBadRequest,
	}
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Credenciales de administración ausentes o inválidas.",
		HTTPStatus: http.StatusUnauthorized,
	}
	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "El recurso solicitado no existe.",
		HTTPStatus: http.StatusNotFound,
	}
	ErrNoActiveKey = &AppError{
		Code:       "NO_ACTIVE_KEY",
		Message:    "No hay una clave de firma activa.",
		HTTPStatus: http.StatusConflict,
	}
	ErrNoQueuedKey = &AppError{
		Code:       "NO_QUEUED_KEY",
		Message:    "No hay una próxima clave encolada.",
		HTTPStatus: http.StatusConflict,
	}
	ErrConflict = &AppError{
		Code:       "CONFLICT",
		Message:    "El estado de claves cambió concurrentemente; reintentar.",
		HTTPStatus: http.StatusConflict,
	}
	ErrNotLeader = &AppError{
		Code:       "NOT_LEADER",
		Message:    "Este nodo no es líder del cluster.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "El servicio no está listo.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
	ErrInternalServerError = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Error interno del servidor.",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// FromError traduce errores de las capas de dominio a un AppError. Lo que no
// se reconoce es un 500 que conserva la causa.
func FromError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	switch {
	case stderrors.Is(err, rotation.ErrNoActiveKey):
		return ErrNoActiveKey.WithCause(err)
	case stderrors.Is(err, rotation.ErrNoQueuedKey):
		return ErrNoQueuedKey.WithCause(err)
	case stderrors.Is(err, repository.ErrNotLeader):
		return ErrNotLeader.WithCause(err)
	case stderrors.Is(err, repository.ErrConflict), stderrors.Is(err, repository.ErrActiveKeyExists):
		return ErrConflict.WithCause(err)
	case stderrors.Is(err, repository.ErrNotFound):
		return ErrNotFound.WithCause(err)
	case stderrors.Is(err, jwt.ErrKeyExpired):
		// vencida y todavía sin promover; el próximo tick la reemplaza
		return ErrServiceUnavailable.WithCause(err)
	case stderrors.Is(err, jwt.ErrKeyNotActive):
		// la clave rotó durante el request
		return ErrConflict.WithCause(err)
	}
	return ErrInternalServerError.WithCause(err)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError escribe err como JSON con el status que le corresponde.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	})
}
