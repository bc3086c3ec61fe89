package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"cruncher/internal/orchestrator"
	"cruncher/internal/sysmetrics"
)

// requestKinds bounds the label values of per-kind counters.
var requestKinds = []string{
	"getSupportedPlugins", "getInitializedPlugins", "getSearchProfiles",
	"getControllerParams", "runQuery", "cancelQuery", "releaseTaskResources",
	"getTasks", "getLogsPaginated", "getTableDataPaginated", "getViewData",
	"getClosestDateEvent", "exportTableResults", "resetQueries", "reloadConfig",
}

// serverMetrics is the server's metric set. Gauges are evaluated at scrape
// time from orchestrator, hub and process state.
type serverMetrics struct {
	set *metrics.Set

	connections      *metrics.Counter
	rateLimited      *metrics.Counter
	exports          *metrics.Counter
	runQueryDuration *metrics.Histogram
	requests         map[string]*metrics.Counter
	failures         map[string]*metrics.Counter
}

func newServerMetrics(s *Server) *serverMetrics {
	set := metrics.NewSet()
	m := &serverMetrics{
		set:              set,
		connections:      set.NewCounter(`cruncher_ws_connections_total`),
		rateLimited:      set.NewCounter(`cruncher_run_query_rate_limited_total`),
		exports:          set.NewCounter(`cruncher_exports_total`),
		runQueryDuration: set.NewHistogram(`cruncher_run_query_duration_seconds`),
		requests:         make(map[string]*metrics.Counter, len(requestKinds)),
		failures:         make(map[string]*metrics.Counter, len(requestKinds)),
	}
	for _, kind := range requestKinds {
		m.requests[kind] = set.NewCounter(fmt.Sprintf(`cruncher_ws_requests_total{kind=%q}`, kind))
		m.failures[kind] = set.NewCounter(fmt.Sprintf(`cruncher_ws_request_errors_total{kind=%q}`, kind))
	}

	for _, st := range []orchestrator.Status{
		orchestrator.StatusRunning, orchestrator.StatusCompleted,
		orchestrator.StatusFailed, orchestrator.StatusCanceled,
	} {
		set.NewGauge(fmt.Sprintf(`cruncher_tasks{status=%q}`, st), func() float64 {
			return float64(s.orch.Stats().Tasks[st])
		})
	}
	set.NewGauge(`cruncher_cache_entries`, func() float64 {
		return float64(s.orch.Stats().CacheEntries)
	})
	set.NewGauge(`cruncher_batches_total`, func() float64 {
		return float64(s.orch.Stats().Batches)
	})
	set.NewGauge(`cruncher_instances`, func() float64 {
		return float64(s.orch.Stats().Instances)
	})
	set.NewGauge(`cruncher_fetch_pool_running`, func() float64 {
		return float64(s.orch.Stats().PoolRunning)
	})
	set.NewGauge(`cruncher_fetch_pool_waiting`, func() float64 {
		return float64(s.orch.Stats().PoolWaiting)
	})
	set.NewGauge(`cruncher_ws_clients`, func() float64 {
		return float64(s.hub.Len())
	})
	sampler := sysmetrics.NewSampler()
	set.NewGauge(`cruncher_process_cpu_percent`, sampler.CPUPercent)
	set.NewGauge(`cruncher_memory_inuse_bytes`, func() float64 {
		return float64(sysmetrics.MemoryInuse())
	})
	set.NewGauge(`cruncher_goroutines`, func() float64 {
		return float64(sysmetrics.Goroutines())
	})
	set.NewGauge(`cruncher_uptime_seconds`, func() float64 {
		return time.Since(s.started).Seconds()
	})
	set.NewGauge(fmt.Sprintf(`cruncher_info{version=%q}`, Version), func() float64 { return 1 })
	return m
}

func (m *serverMetrics) clientConnected() { m.connections.Inc() }

func (m *serverMetrics) request(kind string) {
	if c, ok := m.requests[kind]; ok {
		c.Inc()
	}
}

func (m *serverMetrics) requestFailed(kind string) {
	if c, ok := m.failures[kind]; ok {
		c.Inc()
	}
}

// serveMetrics writes the Prometheus text exposition. The endpoint is
// unauthenticated, as is standard for scrape targets.
func (s *Server) serveMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	s.metrics.set.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}
