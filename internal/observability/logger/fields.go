package logger

import (
	"time"

	"go.uber.org/zap"
)

// ─── HTTP ───

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field { return zap.String("method", v) }
func Path(v string) zap.Field { return zap.String("path", v) }
func Status(v int) zap.Field { return zap.Int("status", v) }
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }
func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

// ─── Dominio ───

// KeyID identifica una clave de firma. Es el único dato de una clave que va a logs.
func KeyID(v string) zap.Field { return zap.String("key_id", v) }

// Source es el nombre de la fuente espejada (ej: "TEST").
func Source(v string) zap.Field { return zap.String("source", v) }

// Transition es el resultado de una operación del motor de rotación.
func Transition(v string) zap.Field { return zap.String("transition", v) }

// ─── Genéricos ───

func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field { return zap.String("op", v) }

// Err es zap.Error con nombre de campo fijo; nil se omite.
func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.Error(err)
}

func Count(v int) zap.Field { return zap.Int("count", v) }
func String(key, v string) zap.Field { return zap.String(key, v) }
func Int(key string, v int) zap.Field { return zap.Int(key, v) }
func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }
func Any(key string, v any) zap.Field { return zap.Any(key, v) }
