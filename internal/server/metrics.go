package server

import (
	"net/http"

	"github.com/gocast/gocast/internal/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRefreshHandler wraps promhttp's registry handler so mount gauges
// are resampled on every scrape rather than only at startup.
type metricsRefreshHandler struct {
	pm     *stream.PromMetrics
	mounts *stream.MountManager
	next   http.Handler
}

func newMetricsHandler(pm *stream.PromMetrics, mounts *stream.MountManager) http.Handler {
	return &metricsRefreshHandler{
		pm:     pm,
		mounts: mounts,
		next:   promhttp.HandlerFor(pm.Registry(), promhttp.HandlerOpts{}),
	}
}

func (h *metricsRefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.pm.Refresh(h.mounts)
	h.next.ServeHTTP(w, r)
}
