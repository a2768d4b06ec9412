// Package metrics exposes Prometheus counters and histograms for the WALRUS
// ingest pipeline, and a minimal HTTP server to serve them.
package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walrus_records_processed_total",
			Help: "Total number of change records read from the upstream reader",
		},
	)

	RecordsParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walrus_record_parse_errors_total",
			Help: "Total number of upstream lines that failed to parse and were skipped",
		},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walrus_events_emitted_total",
			Help: "Total number of output events emitted, by table",
		},
		[]string{"schema", "table"},
	)

	DegradedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walrus_degraded_events_total",
			Help: "Total number of events emitted with a non-empty errors field, by reason",
		},
		[]string{"reason"},
	)

	AuthorizationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walrus_authorization_errors_total",
			Help: "Total number of authorization-oracle SQL function failures, by operation",
		},
		[]string{"operation"},
	)

	RecordProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walrus_record_processing_duration_seconds",
			Help:    "Duration of processing a single change record into output events",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walrus_pipeline_restarts_total",
			Help: "Total number of times the ingest pipeline restarted, after a fatal error or a clean reader exit",
		},
	)
)

// ServerOpts configures the metrics HTTP server.
type ServerOpts struct {
	Addr              string
	Path              string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

func defaultServerOpts() ServerOpts {
	return ServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartServer starts a Prometheus metrics server and shuts it down
// gracefully when ctx is canceled.
func StartServer(ctx context.Context, wg *sync.WaitGroup, opts *ServerOpts) {
	effective := defaultServerOpts()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Starting Prometheus metrics server on %s", effective.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		select {
		case <-serverClosed:
			log.Println("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}
