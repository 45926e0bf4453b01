// Package telemetry exposes pipeline health over Prometheus and defines
// the optional timeseries export collaborator.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics is the process-wide instrument registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsIn        *prometheus.CounterVec
	EventsMalformed *prometheus.CounterVec
	RowsEmitted     *prometheus.CounterVec
	SignalsEmitted  *prometheus.CounterVec
	SignalsGated    *prometheus.CounterVec
	SinkWrites      *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	BatchFlushMs    prometheus.Histogram
	QueueDepth      *prometheus.GaugeVec
}

// NewMetrics registers every instrument on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_events_in_total",
			Help: "Raw events accepted, by symbol and kind.",
		}, []string{"symbol", "kind"}),
		EventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_events_malformed_total",
			Help: "Raw events dropped at decode or validation.",
		}, []string{"symbol"}),
		RowsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_rows_emitted_total",
			Help: "Aligned feature rows emitted, by symbol.",
		}, []string{"symbol"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_signals_emitted_total",
			Help: "Signals emitted, by symbol and decision code.",
		}, []string{"symbol", "decision"}),
		SignalsGated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_signals_gated_total",
			Help: "Gated signals, by first gating reason.",
		}, []string{"reason"}),
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_sink_writes_total",
			Help: "Successful sink writes, by sink.",
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofipipe_sink_errors_total",
			Help: "Failed sink writes, by sink.",
		}, []string{"sink"}),
		BatchFlushMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ofipipe_sqlite_flush_duration_ms",
			Help:    "SQLite batch flush duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofipipe_worker_queue_depth",
			Help: "Pending events per worker shard.",
		}, []string{"shard"}),
	}
	reg.MustRegister(
		m.EventsIn, m.EventsMalformed, m.RowsEmitted,
		m.SignalsEmitted, m.SignalsGated,
		m.SinkWrites, m.SinkErrors, m.BatchFlushMs, m.QueueDepth,
	)
	return m
}

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP side of the metrics registry.
func NewServer(addr string, m *Metrics) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}}
}

// Start serves until Shutdown. ErrServerClosed is the clean exit.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.srv.Addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", s.srv.Addr).Msg("metrics server listening")
}

// Shutdown drains in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
