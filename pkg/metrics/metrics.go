// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// Drop reasons.
const (
	DropDecode = "decode"
	DropSchema = "schema"
	DropPaused = "paused"
	DropEmpty  = "empty"
)

// Metrics records pipeline activity. It satisfies alert.Recorder and
// stream.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	up              prometheus.Gauge
	messages        *prometheus.CounterVec
	events          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	toasts          *prometheus.CounterVec
	toastsThrottled prometheus.Counter
	sinkFailures    prometheus.Counter
	reconnects      prometheus.Counter
	reconnectDelay  prometheus.Gauge
	transportErrors prometheus.Counter
	connState       *prometheus.GaugeVec
	storeEvents     *prometheus.GaugeVec
	unreadAlerts    prometheus.Gauge
	handleSeconds   prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secstream_up",
			Help: "1 while the subscriber process is running.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secstream_messages_total",
			Help: "Live-stream frames received by message kind.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secstream_events_total",
			Help: "Normalized events stored by type and severity.",
		}, []string{"type", "severity"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secstream_dropped_messages_total",
			Help: "Frames dropped before normalization by reason.",
		}, []string{"reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secstream_alerts_total",
			Help: "Alerts raised by severity.",
		}, []string{"severity"}),
		toasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secstream_toasts_total",
			Help: "Toasts shown by level.",
		}, []string{"level"}),
		toastsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secstream_toasts_throttled_total",
			Help: "Alert toasts suppressed by the rate limiter.",
		}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secstream_alert_sink_failures_total",
			Help: "Alert deliveries a sink rejected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secstream_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after unexpected closes.",
		}),
		reconnectDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secstream_reconnect_delay_seconds",
			Help: "Delay of the most recently scheduled reconnect.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secstream_transport_errors_total",
			Help: "Transport errors reported by the connection manager.",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "secstream_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		storeEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "secstream_store_events",
			Help: "Events currently held per store.",
		}, []string{"store"}),
		unreadAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secstream_unread_alerts",
			Help: "Alerts not yet marked read.",
		}),
		handleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "secstream_message_handle_seconds",
			Help:    "Time spent handling one live-stream frame.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}

	registry.MustRegister(
		m.up,
		m.messages,
		m.events,
		m.dropped,
		m.alerts,
		m.toasts,
		m.toastsThrottled,
		m.sinkFailures,
		m.reconnects,
		m.reconnectDelay,
		m.transportErrors,
		m.connState,
		m.storeEvents,
		m.unreadAlerts,
		m.handleSeconds,
	)
	m.up.Set(1)
	m.SetState(schema.StateDisconnected)
	return m
}

// Registry exposes the private registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) MessageReceived(kind string) {
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventStored(ev schema.CanonicalEvent) {
	m.events.WithLabelValues(string(ev.Type), ev.Severity.String()).Inc()
}

func (m *Metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveHandle(d time.Duration) {
	m.handleSeconds.Observe(d.Seconds())
}

func (m *Metrics) SetStoreSize(store string, n int) {
	m.storeEvents.WithLabelValues(store).Set(float64(n))
}

func (m *Metrics) SetUnread(n int) {
	m.unreadAlerts.Set(float64(n))
}

// SetState marks state as current and zeroes the others.
func (m *Metrics) SetState(state schema.ConnectionState) {
	for _, s := range []schema.ConnectionState{schema.StateConnecting, schema.StateConnected, schema.StateDisconnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) AlertRaised(sev schema.Severity) {
	m.alerts.WithLabelValues(sev.String()).Inc()
}

func (m *Metrics) ToastShown(level notify.Level) {
	m.toasts.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) ToastThrottled() {
	m.toastsThrottled.Inc()
}

func (m *Metrics) SinkFailed() {
	m.sinkFailures.Inc()
}

func (m *Metrics) ReconnectScheduled(delay time.Duration) {
	m.reconnects.Inc()
	m.reconnectDelay.Set(delay.Seconds())
}

func (m *Metrics) TransportError() {
	m.transportErrors.Inc()
}

// Handler serves /metrics, /healthz and /readyz. ready may be nil.
func (m *Metrics) Handler(ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Serve runs the metrics listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context, bind string, ready func() bool, log logr.Logger) {
	server := &http.Server{
		Addr:              bind,
		Handler:           m.Handler(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed", "bind", bind)
		}
	}()
}
