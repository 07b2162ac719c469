package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 共识相关指标；reg 为 nil 时只创建不注册
type Metrics struct {
	EpochsApplied prometheus.Counter
	LastEpoch     prometheus.Gauge
	RoundChanges  prometheus.Counter
	TxOutcomes    *prometheus.CounterVec
	ApplySeconds  prometheus.Histogram
	Violations    *prometheus.CounterVec
	StorageErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EpochsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "epochs_applied_total",
			Help: "Epochs applied to local state.",
		}),
		LastEpoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "last_epoch",
			Help: "Number of the last applied epoch.",
		}),
		RoundChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "round_changes_total",
			Help: "Agreement rounds abandoned after a timeout.",
		}),
		TxOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "tx_outcomes_total",
			Help: "Applied transactions by result and reject reason.",
		}, []string{"result", "reason"}),
		ApplySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "epoch_apply_seconds",
			Help:    "Time spent applying one epoch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "protocol_violations_total",
			Help: "Invalid messages received, by sending guardian.",
		}, []string{"guardian"}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "consensus", Name: "storage_errors_total",
			Help: "Epoch commits that failed in local storage.",
		}),
	}
}
