package token

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics groups the two gauges the spec's ambient observability layer
// exposes per peer: how many tokens are currently held locally, and
// whether this peer is mid-write. Registration is optional (see
// Configuration.EnableMetrics) so tests that construct many groups in
// one process don't collide on the default registry.
type metrics struct {
	localTokens prometheus.Gauge
	writeMode   prometheus.Gauge
}

func newMetrics(rank, size int) *metrics {
	labels := prometheus.Labels{"rank": fmt.Sprintf("%d", rank), "size": fmt.Sprintf("%d", size)}
	m := &metrics{
		localTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tokenobject",
			Name:        "local_tokens",
			Help:        "Number of tokens currently held by this peer.",
			ConstLabels: labels,
		}),
		writeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tokenobject",
			Name:        "write_mode",
			Help:        "1 while this peer holds all tokens and is mid-write, 0 otherwise.",
			ConstLabels: labels,
		}),
	}
	_ = prometheus.Register(m.localTokens)
	_ = prometheus.Register(m.writeMode)
	return m
}

func (m *metrics) observe(localTokens int, writeMode bool) {
	if m == nil {
		return
	}
	m.localTokens.Set(float64(localTokens))
	if writeMode {
		m.writeMode.Set(1)
	} else {
		m.writeMode.Set(0)
	}
}
