// Package notify avisa a operadores cuando cambia el estado de las claves de
// firma: bootstrap, encolado, promoción y reemplazo de emergencia.
package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/rotation"
)

// Event describe una transición ya confirmada. Sólo ids y fechas, nunca
// material de clave.
type Event struct {
	Op              string
	Transition      rotation.Transition
	At              time.Time
	State           rotation.State
	ActiveKeyID     string
	ActiveExpiresAt time.Time
	QueuedKeyID     string
	Retired         []string
}

// FromResult arma el evento de una operación del engine.
func FromResult(op string, res rotation.Result) Event {
	ev := Event{Op: op, Transition: res.Transition, At: res.At, State: res.State, Retired: res.Retired}
	if res.Active != nil {
		ev.ActiveKeyID = res.Active.ID
		ev.ActiveExpiresAt = res.Active.ExpiresAt
	}
	if res.Queued != nil {
		ev.QueuedKeyID = res.Queued.ID
	}
	return ev
}

// Urgent marca los eventos que requieren atención inmediata.
func (e Event) Urgent() bool { return e.Transition == rotation.EmergencyReplaced }

// Notifier entrega eventos. Las implementaciones no reintentan.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// ShouldNotify filtra los no-op: sólo se avisan transiciones reales.
func ShouldNotify(ev Event) bool { return ev.Transition != "" && ev.Transition != rotation.NoOp }

// LogNotifier escribe el evento en el logger del contexto.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	log := logger.From(ctx).With(logger.Component("notify"), logger.Op(ev.Op), logger.Transition(string(ev.Transition)))
	fields := []zap.Field{logger.KeyID(ev.ActiveKeyID), logger.String("queued_key_id", ev.QueuedKeyID)}
	if ev.Urgent() {
		log.Warn("signing key replaced in emergency", fields...)
		return nil
	}
	log.Info("signing key transition", fields...)
	return nil
}

// Multi notifica a todos y junta los errores.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var subjectTmpl = template.Must(template.New("subject").Parse(
	`[nrtmkeys]{{if .Urgent}} URGENT:{{end}} signing key {{.Transition}} ({{.State}})`))

var bodyTmpl = template.Must(template.New("body").Funcs(template.FuncMap{"join": strings.Join}).Parse(`Operation: {{.Op}}
Transition: {{.Transition}}
At: {{.At.Format "2006-01-02T15:04:05Z07:00"}}
State: {{.State}}
Active key: {{if .ActiveKeyID}}{{.ActiveKeyID}} (expires {{.ActiveExpiresAt.Format "2006-01-02T15:04:05Z07:00"}}){{else}}none{{end}}
Next signing key: {{if .QueuedKeyID}}{{.QueuedKeyID}}{{else}}none{{end}}
{{- if .Retired}}
Retired: {{join .Retired ", "}}{{end}}
`))

// Render devuelve asunto y cuerpo en texto plano.
func Render(ev Event) (subject, body string, err error) {
	var sb, bb bytes.Buffer
	if err := subjectTmpl.Execute(&sb, ev); err != nil {
		return "", "", err
	}
	if err := bodyTmpl.Execute(&bb, ev); err != nil {
		return "", "", err
	}
	return sb.String(), bb.String(), nil
}
