package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
)

var (
	// Accepted connections
	connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoker_connections_accepted_total",
		Help: "Total number of connections accepted by the worker",
	})

	// Request counter by status class
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stoker_requests_total",
		Help: "Total number of handled requests",
	}, []string{"status"})

	// Request duration histogram
	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stoker_request_duration_seconds",
		Help:    "Duration of request handling",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// Connections currently owned by the worker
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stoker_active_connections",
		Help: "Number of connections currently owned by the worker",
	})

	// Idle keepalive connections
	keepaliveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stoker_keepalive_connections",
		Help: "Number of idle connections in the keepalive set",
	})

	// Keepalive connections closed by the reaper
	keepaliveReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoker_keepalive_reaped_total",
		Help: "Total number of idle connections closed on keepalive timeout",
	})

	// Voluntary retirements after max_requests
	workerRetirements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoker_worker_retirements_total",
		Help: "Total number of voluntary worker retirements",
	})
)

// StartMetricsServer serves prometheus metrics and health checks until ctx
// is cancelled.
func StartMetricsServer(ctx context.Context, listenAddr string, worker *Worker) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		connectionsAccepted,
		requestsTotal,
		requestDuration,
		activeConnections,
		keepaliveConnections,
		keepaliveReaped,
		workerRetirements,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(worker))

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", zap.Error(err))
		}
	}()

	logger.Info("Metrics server started", zap.String("addr", listenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// healthHandler handles liveness probe requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok"}`)
}

// readyHandler reports readiness from the worker's own liveness beacon:
// a stale beacon means the dispatch loop stopped ticking.
func readyHandler(worker *Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if worker == nil || !worker.alive.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unavailable"}`)
			return
		}
		last, err := worker.beacon.LastUpdate()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unavailable","error":%q}`, err.Error())
			return
		}
		age := time.Since(monoOrigin) - time.Duration(last.UnixNano())
		if age > 30*time.Second {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"stale","age_seconds":%.1f}`, age.Seconds())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ready"}`)
	}
}
