// Package nrtm arma, firma y publica el Update Notification File de NRTMv4
// para cada fuente espejada.
//
// Todas las fuentes de un ciclo se firman con la misma vista del estado de
// claves, así que next_signing_key coincide entre fuentes.
package nrtm

import (
	"encoding/json"
	"time"
)

const (
	ProtocolVersion  = 4
	TypeNotification = "notification"

	// NotificationFileName es el nombre publicado bajo cada fuente.
	NotificationFileName = "update-notification-file.jose"
)

// FileRef referencia un snapshot o delta publicado.
type FileRef struct {
	Version int64  `json:"version"`
	URL     string `json:"url"`
	Hash    string `json:"hash"`
}

// NotificationFile es el payload JSON firmado.
type NotificationFile struct {
	NrtmVersion    int       `json:"nrtm_version"`
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	SessionID      string    `json:"session_id"`
	Version        int64     `json:"version"`
	Timestamp      string    `json:"timestamp"`
	NextSigningKey *string   `json:"next_signing_key,omitempty"`
	Snapshot       FileRef   `json:"snapshot"`
	Deltas         []FileRef `json:"deltas"`
}

func newNotificationFile(source string, c Content, now time.Time, next *string) NotificationFile {
	deltas := c.Deltas
	if deltas == nil {
		deltas = []FileRef{}
	}
	return NotificationFile{
		NrtmVersion:    ProtocolVersion,
		Type:           TypeNotification,
		Source:         source,
		SessionID:      c.SessionID,
		Version:        c.Version,
		Timestamp:      now.UTC().Format(time.RFC3339),
		NextSigningKey: next,
		Snapshot:       c.Snapshot,
		Deltas:         deltas,
	}
}

// ParseNotificationFile decodifica el payload (ya verificado) de un .jose.
func ParseNotificationFile(payload []byte) (NotificationFile, error) {
	var nf NotificationFile
	err := json.Unmarshal(payload, &nf)
	return nf, err
}
