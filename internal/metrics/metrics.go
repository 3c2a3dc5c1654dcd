// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "ttsbot"

type Metrics struct {
	enqueued      prometheus.Counter
	rejected      *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	played        prometheus.Counter
	dropped       *prometheus.CounterVec
	workers       prometheus.Gauge
	transitions   *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_enqueued_total",
			Help: "TTS requests accepted into a guild queue.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_rejected_total",
			Help: "TTS requests refused at enqueue.",
		}, []string{"reason"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "speech_fetch_failures_total",
			Help: "Failed speech fetches by error kind.",
		}, []string{"kind"}),
		played: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "playbacks_total",
			Help: "Clips streamed to completion.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_dropped_total",
			Help: "Queued requests discarded without playback.",
		}, []string{"reason"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workers",
			Help: "Guild playback workers currently running.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "voice_transitions_total",
			Help: "Voice session state changes by target state.",
		}, []string{"to"}),
	}
	reg.MustRegister(m.enqueued, m.rejected, m.fetchFailures, m.played, m.dropped, m.workers, m.transitions)
	return m
}

func (m *Metrics) Enqueued() {
	if m != nil {
		m.enqueued.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FetchFailed(kind string) {
	if m != nil {
		m.fetchFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Played() {
	if m != nil {
		m.played.Inc()
	}
}

func (m *Metrics) Dropped(reason string, n int) {
	if m != nil && n > 0 {
		m.dropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.workers.Inc()
	}
}

func (m *Metrics) WorkerStopped() {
	if m != nil {
		m.workers.Dec()
	}
}

func (m *Metrics) Transition(to string) {
	if m != nil {
		m.transitions.WithLabelValues(to).Inc()
	}
}

// Server serves /metrics until Shutdown.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: log.With().Str("component", "metrics").Logger(),
	}
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
