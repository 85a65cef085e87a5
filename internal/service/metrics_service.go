package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/pkg/jobs"
)

// MetricsService encapsulates Prometheus instrumentation for the sync
// engines. It implements the manager's observer contract.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	syncTotal     *prometheus.CounterVec
	syncErrors    prometheus.Counter
	syncDuration  prometheus.Histogram
	eventsCreated prometheus.Counter
	eventsUpdated prometheus.Counter
	eventsDeleted prometheus.Counter
	connState     *prometheus.GaugeVec
}

// NewMetricsService registers the sync collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	syncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_passes_total",
		Help: "Total sync passes by trigger",
	}, []string{"trigger"})

	syncErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calsync_sync_errors_total",
		Help: "Total failed sync passes",
	})

	syncDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "calsync_sync_duration_seconds",
		Help:    "Duration of sync passes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	eventsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_created_total",
		Help: "Events created locally by reconciliation",
	})
	eventsUpdated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_updated_total",
		Help: "Events updated locally by reconciliation",
	})
	eventsDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "calsync_events_deleted_total",
		Help: "Events deleted locally by reconciliation",
	})

	connState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calsync_account_connection_state",
		Help: "Connection state per account (1 for the active state)",
	}, []string{"account_id", "state"})

	registry.MustRegister(
		syncTotal, syncErrors, syncDuration,
		eventsCreated, eventsUpdated, eventsDeleted,
		connState,
	)

	return &MetricsService{
		registry:      registry,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		syncTotal:     syncTotal,
		syncErrors:    syncErrors,
		syncDuration:  syncDuration,
		eventsCreated: eventsCreated,
		eventsUpdated: eventsUpdated,
		eventsDeleted: eventsDeleted,
		connState:     connState,
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// SyncStarted counts an initiated pass.
func (s *MetricsService) SyncStarted(accountID string, trigger jobs.SyncTrigger) {
	s.syncTotal.WithLabelValues(string(trigger)).Inc()
}

// SyncCompleted records the outcome of a pass.
func (s *MetricsService) SyncCompleted(accountID string, result models.SyncResult, err error) {
	if err != nil {
		s.syncErrors.Inc()
		return
	}
	s.syncDuration.Observe(result.Duration.Seconds())
	s.eventsCreated.Add(float64(result.Created))
	s.eventsUpdated.Add(float64(result.Updated))
	s.eventsDeleted.Add(float64(result.Deleted))
}

// ConnectionStateChanged flips the per-account state gauge.
func (s *MetricsService) ConnectionStateChanged(accountID string, state models.ConnState) {
	for _, known := range []models.ConnState{models.ConnStopped, models.ConnConnecting, models.ConnConnected, models.ConnRetrying} {
		value := 0.0
		if known == state {
			value = 1.0
		}
		s.connState.WithLabelValues(accountID, string(known)).Set(value)
	}
}
