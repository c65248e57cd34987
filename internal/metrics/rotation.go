package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	KeyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrtmkeys_key_transitions_total",
		Help: "Transiciones de estado de claves de firma, por tipo",
	}, []string{"transition"})

	KeyTxConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nrtmkeys_key_tx_conflicts_total",
		Help: "Conflictos de escritura reintentados por el motor de rotación",
	})

	KeyOpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrtmkeys_key_operation_errors_total",
		Help: "Operaciones del motor de rotación que terminaron en error",
	}, []string{"op"})

	ActiveKeyExpiry = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nrtmkeys_active_key_expiry_timestamp_seconds",
		Help: "Expiración (unix) de la clave activa",
	})

	QueuedKeyPresent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nrtmkeys_queued_key_present",
		Help: "1 si hay una próxima clave pre-anunciada",
	})

	NotificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrtmkeys_notifications_published_total",
		Help: "Notification files firmados y publicados, por source",
	}, []string{"source"})

	NotificationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nrtmkeys_notification_errors_total",
		Help: "Errores generando notification files, por source",
	}, []string{"source"})
)

// RegisterRotation registers the key lifecycle metrics on reg (default if nil).
func RegisterRotation(reg prometheus.Registerer) error {
	return register(reg,
		KeyTransitions, KeyTxConflicts, KeyOpErrors,
		ActiveKeyExpiry, QueuedKeyPresent,
		NotificationsPublished, NotificationErrors,
	)
}
