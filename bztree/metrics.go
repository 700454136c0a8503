package bztree

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts structural-mutation events (§6 FULL): splits,
// consolidations, freeze-retry exhaustion, and MWCAS retries. These are
// diagnostic only; no exposed tree operation depends on their values.
type Metrics struct {
	Splits               prometheus.Counter
	Consolidations       prometheus.Counter
	FreezeRetryExhausted prometheus.Counter
	MWCASRetries         prometheus.Counter
}

// NewMetrics builds a fresh, unregistered set of counters under namespace.
// Callers that want them exposed register Collectors() with a
// prometheus.Registerer of their choosing.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "splits_total",
			Help: "Structural leaf or internal node splits performed.",
		}),
		Consolidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "consolidations_total",
			Help: "Leaf consolidations performed.",
		}),
		FreezeRetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "freeze_retry_exhausted_total",
			Help: "Upward split propagations that exhausted MAX_FREEZE_RETRY.",
		}),
		MWCASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mwcas_retries_total",
			Help: "Operations retried after a NodeFrozen or PMWCASFailure result.",
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Splits, m.Consolidations, m.FreezeRetryExhausted, m.MWCASRetries}
}
