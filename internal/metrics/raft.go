package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Raft metrics live here rather than in cluster to avoid an import cycle
// between cluster and http.

var (
	RaftApplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nrtmkeys_raft_apply_latency_ms",
		Help:    "Latencia de raft.Apply en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	RaftLeadershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nrtmkeys_raft_leadership_changes_total",
		Help: "Cambios de rol a leader",
	})

	RaftLogSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nrtmkeys_raft_log_size_bytes",
		Help: "Tamaño en bytes del archivo de log/stable (BoltDB)",
	})
)

// RegisterRaft registers the raft metrics on reg (default registerer if nil).
func RegisterRaft(reg prometheus.Registerer) error {
	return register(reg, RaftApplyLatency, RaftLeadershipChanges, RaftLogSizeBytes)
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
