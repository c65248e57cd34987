package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	mail "github.com/go-mail/mail"

	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
	"github.com/dropDatabas3/nrtmkeys/internal/util"
)

// SMTPConfig configura el envío de alertas por mail.
type SMTPConfig struct {
	Host               string
	Port               int
	From               string
	Username           string
	Password           string
	To                 []string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool
}

// sender es la parte de *mail.Dialer que usamos; los tests la reemplazan.
type sender interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPNotifier implementa Notifier usando SMTP.
type SMTPNotifier struct {
	cfg    SMTPConfig
	dialer sender
}

// NewSMTPNotifier valida la config y prepara el dialer.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("notify: smtp host, from and at least one recipient are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = "auto"
	}

	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // solo dev
	}
	switch cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
		d.StartTLSPolicy = mail.NoStartTLS
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si corresponde
	}
	return &SMTPNotifier{cfg: cfg, dialer: d}, nil
}

// Notify envía un mail de texto plano a todos los destinatarios.
func (s *SMTPNotifier) Notify(ctx context.Context, ev Event) error {
	subject, body, err := Render(ev)
	if err != nil {
		return fmt.Errorf("notify: render: %w", err)
	}

	masked := make([]string, len(s.cfg.To))
	for i, to := range s.cfg.To {
		masked[i] = util.MaskEmail(to)
	}
	log := logger.From(ctx).With(
		logger.Component("notify.smtp"),
		logger.String("host", s.cfg.Host),
		logger.Int("port", s.cfg.Port),
		logger.Transition(string(ev.Transition)),
	)

	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", s.cfg.To...)
	m.SetHeader("Subject", subject)
	if ev.Urgent() {
		m.SetHeader("X-Priority", "1")
	}
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		log.Error("smtp send failed", logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Info("key transition alert sent", logger.Count(len(masked)), logger.String("to", fmt.Sprint(masked)))
	return nil
}
