// Package metrics exposes Prometheus counters and gauges for channel
// lifecycle, filter decisions, and KV health, served on a separate
// internal listener from the public rendezvous port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons a channel stops existing, used as the "reason" label on
// ChannelsExpired.
const (
	ReasonTTL         = "ttl"
	ReasonMaxGets     = "max_gets"
	ReasonIntrusion   = "intrusion"
	ReasonReport      = "report"
	ReasonMalformedID = "malformed_id"
)

// Queue names, used as the "queue" label on FilterBlacklisted.
const (
	QueueGeneral    = "general"
	QueueBadRequest = "bad_request"
)

// Metrics bundles every collector this server registers.
type Metrics struct {
	ChannelsCreated    prometheus.Counter
	ChannelsExpired    *prometheus.CounterVec
	FilterBlacklisted  *prometheus.CounterVec
	KVErrors           prometheus.Counter
	BlacklistSize      prometheus.Gauge

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry and returns the
// bundle.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ChannelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyexchange_channels_created_total",
			Help: "Total number of channels created via GET /new_channel.",
		}),
		ChannelsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyexchange_channels_expired_total",
			Help: "Total number of channels destroyed, labeled by reason.",
		}, []string{"reason"}),
		FilterBlacklisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyexchange_filter_blacklisted_total",
			Help: "Total number of ips transitioned to blacklisted, labeled by queue.",
		}, []string{"queue"}),
		KVErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyexchange_kv_errors_total",
			Help: "Total number of KV backend errors observed by the channel service.",
		}),
		BlacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyexchange_blacklist_size",
			Help: "Current number of ips tracked in the blacklist.",
		}),
		registry: reg,
	}

	reg.MustRegister(m.ChannelsCreated, m.ChannelsExpired, m.FilterBlacklisted, m.KVErrors, m.BlacklistSize)
	return m
}

// Handler returns the promhttp handler to mount on the internal
// metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
