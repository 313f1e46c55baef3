package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exposes mount-level and relay-level gauges to Prometheus
// scrapers. It is registered with its own Registry (rather than the global
// DefaultRegisterer) so it can be constructed once per server instance in
// tests without colliding across parallel test binaries.
type PromMetrics struct {
	registry *prometheus.Registry

	listeners  *prometheus.GaugeVec
	peak       *prometheus.GaugeVec
	bytesSent  *prometheus.GaugeVec
	sourceUp   *prometheus.GaugeVec
	connecting prometheus.Gauge
	redirects  prometheus.Gauge
}

// ConnectingGauge and RedirectGauge are satisfied by relay.Engine and
// relay.RedirectList respectively, kept as narrow interfaces here so this
// package does not need to import internal/relay.
type ConnectingGauge interface {
	Connecting() int
}

type RedirectGauge interface {
	Len() int
}

// NewPromMetrics creates a PromMetrics collecting from mounts, optionally
// sourcing relay connecting-slot and redirect-list counts when non-nil.
func NewPromMetrics(mounts *MountManager, connecting ConnectingGauge, redirects RedirectGauge) *PromMetrics {
	reg := prometheus.NewRegistry()

	pm := &PromMetrics{
		registry: reg,
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocast",
			Name:      "mount_listeners",
			Help:      "Current unique listener count per mount.",
		}, []string{"mount"}),
		peak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocast",
			Name:      "mount_peak_listeners",
			Help:      "Peak unique listener count per mount since the mount was created.",
		}, []string{"mount"}),
		bytesSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocast",
			Name:      "mount_bytes_sent_total",
			Help:      "Total bytes sent to listeners on this mount.",
		}, []string{"mount"}),
		sourceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gocast",
			Name:      "mount_source_up",
			Help:      "1 if a source (local push or relay) is currently connected to the mount.",
		}, []string{"mount"}),
		connecting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gocast",
			Name:      "relay_connecting_slots_in_use",
			Help:      "Number of relay clients currently mid-connect.",
		}),
		redirects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gocast",
			Name:      "redirect_entries",
			Help:      "Number of tracked redirect entries available to hand to overloaded listeners.",
		}),
	}

	reg.MustRegister(pm.listeners, pm.peak, pm.bytesSent, pm.sourceUp, pm.connecting, pm.redirects)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gocast",
		Name:      "mounts_total",
		Help:      "Total number of configured mount points.",
	}, func() float64 {
		return float64(len(mounts.ListMounts()))
	}))

	if connecting != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gocast",
			Subsystem: "relay",
			Name:      "connecting_slots_live",
			Help:      "Live read of relay connecting slots in use, sampled at scrape time.",
		}, func() float64 {
			return float64(connecting.Connecting())
		}))
	}
	if redirects != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gocast",
			Subsystem: "redirect",
			Name:      "entries_live",
			Help:      "Live read of tracked redirect entries, sampled at scrape time.",
		}, func() float64 {
			return float64(redirects.Len())
		}))
	}

	pm.refresh(mounts)
	return pm
}

// refresh repopulates the per-mount vectors from current mount state. It
// is called on every scrape through Refresh, which the /metrics HTTP
// handler invokes before serving, so stats never go stale between polls.
func (pm *PromMetrics) refresh(mounts *MountManager) {
	for _, stats := range mounts.Stats() {
		pm.listeners.WithLabelValues(stats.Path).Set(float64(stats.Listeners))
		pm.peak.WithLabelValues(stats.Path).Set(float64(stats.PeakListeners))
		pm.bytesSent.WithLabelValues(stats.Path).Set(float64(stats.BytesSent))
		up := 0.0
		if stats.Active {
			up = 1.0
		}
		pm.sourceUp.WithLabelValues(stats.Path).Set(up)
	}
}

// Registry returns the underlying prometheus.Registry for use with
// promhttp.HandlerFor.
func (pm *PromMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// Refresh re-samples mount gauges; callers (the /metrics HTTP handler)
// should call this immediately before serving a scrape.
func (pm *PromMetrics) Refresh(mounts *MountManager) {
	pm.refresh(mounts)
}
