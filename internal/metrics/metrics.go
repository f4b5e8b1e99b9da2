// Package metrics exposes Prometheus instrumentation for the detection
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envwatch_cycles_total",
		Help: "Detection cycles run, by outcome.",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "envwatch_cycle_duration_seconds",
		Help:    "Wall time of one detection cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	ReadingsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envwatch_readings_fetched_total",
		Help: "Readings fetched per upstream source.",
	}, []string{"source"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envwatch_fetch_errors_total",
		Help: "Fetch stage failures per upstream source.",
	}, []string{"source"})

	ClustersFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envwatch_clusters_found_total",
		Help: "Clusters produced across all cycles.",
	})

	IncidentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envwatch_incidents_created_total",
		Help: "New incidents persisted to the document store.",
	})

	IncidentsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envwatch_incidents_duplicate_total",
		Help: "Incidents suppressed by content-hash deduplication.",
	})

	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envwatch_stage_errors_total",
		Help: "Non-fatal stage errors recorded in run logs.",
	}, []string{"stage"})
)

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}
