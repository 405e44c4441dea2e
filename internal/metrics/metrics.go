// Package metrics exposes session-lifecycle and error-taxonomy counters as
// a prometheus.Collector, built the way
// runZeroInc-conniver/pkg/exporter.TCPInfoCollector builds its
// Describe/Collect pair: a small struct wrapping the counters directly
// rather than relying only on the default global registry, so it can be
// registered against any prometheus.Registerer the embedding application
// chooses (including a throwaway registry in tests).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the protocol's Prometheus counters.
type Collector struct {
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec // labeled by result: "ok", "abandoned"
	Retries         *prometheus.CounterVec // labeled by leg: "handshake", "data", "fin", "rst"
	NAKs            prometheus.Counter
	Resets          prometheus.Counter
}

// New constructs a Collector with the given namespace (e.g. "swtp").
func New(namespace string) *Collector {
	return &Collector{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total sessions that completed a handshake.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions that reached a terminal state, by result.",
		}, []string{"result"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts, by protocol leg.",
		}, []string{"leg"}),
		NAKs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "naks_total",
			Help:      "Total NAKs sent or received.",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total RST packets sent or received.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.SessionsOpened.Describe(ch)
	c.SessionsClosed.Describe(ch)
	c.Retries.Describe(ch)
	c.NAKs.Describe(ch)
	c.Resets.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.SessionsOpened.Collect(ch)
	c.SessionsClosed.Collect(ch)
	c.Retries.Collect(ch)
	c.NAKs.Collect(ch)
	c.Resets.Collect(ch)
}

// Noop returns a Collector that is never registered, for callers that
// don't want metrics wired up (tests, library embedders).
func Noop() *Collector {
	return New("swtp_noop")
}
