package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/calvinalkan/tasksync/internal/queue"
)

const metricsNamespace = "tasksync"

// Metrics are the client's prometheus collectors. Depth, passes and online
// are read from the components at scrape time.
type Metrics struct {
	Results               *prometheus.CounterVec
	SubscriptionRetries   prometheus.Counter
	SubscriptionExhausted prometheus.Counter
	QueueDepth            prometheus.GaugeFunc
	FlushPasses           prometheus.CounterFunc
	Online                prometheus.GaugeFunc
}

// newMetrics registers collectors on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer, scope string, q *queue.Queue, online func() bool) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"scope": scope}

	return &Metrics{
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "queue",
			Name:        "mutation_results_total",
			Help:        "Remote attempt outcomes by result (acked, retry, failed).",
			ConstLabels: labels,
		}, []string{"result"}),
		SubscriptionRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "subscription",
			Name:        "retries_total",
			Help:        "Re-subscriptions after a transient change-feed error.",
			ConstLabels: labels,
		}),
		SubscriptionExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "subscription",
			Name:        "exhausted_total",
			Help:        "Subscriptions that gave up and turned stale.",
			ConstLabels: labels,
		}),
		QueueDepth: f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Mutations waiting in the durable log.",
			ConstLabels: labels,
		}, func() float64 {
			n, err := q.Len()
			if err != nil {
				return -1
			}

			return float64(n)
		}),
		FlushPasses: f.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "queue",
			Name:        "flush_passes_total",
			Help:        "Flush passes run while online.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(q.Passes())
		}),
		Online: f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "online",
			Help:        "1 while the remote store is considered reachable.",
			ConstLabels: labels,
		}, func() float64 {
			if online() {
				return 1
			}

			return 0
		}),
	}
}
