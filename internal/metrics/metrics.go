// Package metrics holds the Prometheus collectors shared by the pipeline,
// the unsubscribe engine and the language model clients.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_ingest_messages_total",
			Help: "Messages seen by the ingestion pipeline, by result (processed, skipped, error).",
		},
		[]string{"result"},
	)

	IngestRuns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtriage_ingest_run_duration_seconds",
			Help:    "Duration of one ingestion run for one account.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"result"},
	)

	SchedulerCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailtriage_scheduler_cycles_total",
			Help: "Completed polling cycles over all accounts.",
		},
	)

	UnsubscribeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_unsubscribe_attempts_total",
			Help: "Unsubscribe attempts by outcome and failure reason.",
		},
		[]string{"outcome", "reason"},
	)

	llmRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtriage_llm_request_duration_seconds",
			Help:    "Language model requests.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "purpose", "result"},
	)
)

// ObserveLLM records one language model call.
func ObserveLLM(provider, purpose string, err error, start time.Time) {
	var result string
	switch {
	case err == nil:
		result = "ok"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	llmRequests.WithLabelValues(provider, purpose, result).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
