package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "seedkeeper"

// Metrics groups the daemon's collectors. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	Requests            *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveConnections   prometheus.Gauge
	RejectedConnections prometheus.Counter
	RateLimited         prometheus.Counter
	SessionUnlocked     prometheus.Gauge
	UnlockFailures      prometheus.Counter
	Seeds               prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC requests by method and outcome kind.",
		}, []string{"method", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC handling latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"method"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ipc",
			Name:      "active_connections",
			Help:      "Open client connections.",
		}),
		RejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ipc",
			Name:      "rejected_connections_total",
			Help:      "Connections refused because the connection limit was reached.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ipc",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-connection rate limit.",
		}),
		SessionUnlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "unlocked",
			Help:      "1 while the keystore is unlocked.",
		}),
		UnlockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "unlock_failures_total",
			Help:      "Rejected unlock attempts.",
		}),
		Seeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "keystore",
			Name:      "seeds",
			Help:      "Seed entries in the table.",
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Requests,
		m.RequestDuration,
		m.ActiveConnections,
		m.RejectedConnections,
		m.RateLimited,
		m.SessionUnlocked,
		m.UnlockFailures,
		m.Seeds,
	}
}

// NewRegistry returns a registry holding the process and Go runtime
// collectors plus m.
func NewRegistry(m *Metrics) *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	if m != nil {
		r.MustRegister(m.Collectors()...)
	}
	return r
}

func (m *Metrics) ObserveRequest(method, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) ConnectionRejected() {
	if m != nil {
		m.RejectedConnections.Inc()
	}
}

func (m *Metrics) RequestRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) SetUnlocked(unlocked bool) {
	if m == nil {
		return
	}
	if unlocked {
		m.SessionUnlocked.Set(1)
		return
	}
	m.SessionUnlocked.Set(0)
}

func (m *Metrics) UnlockFailed() {
	if m != nil {
		m.UnlockFailures.Inc()
	}
}

func (m *Metrics) SetSeeds(n int) {
	if m != nil {
		m.Seeds.Set(float64(n))
	}
}

// Serve exposes reg at /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("metrics listener started", "component", "metrics", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
