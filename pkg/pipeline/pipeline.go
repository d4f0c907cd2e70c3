// Package pipeline wires the live stream through normalization, the event
// stores, the alert dispatcher and statistics.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/alert"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/api"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/config"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/metrics"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/normalize"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/otel"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/safety"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/semconv"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/stats"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/store"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/stream"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/telemetry"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/webhook"
)

// Store names used in metrics.
const (
	StoreEvents = "events"
	StoreDNS    = "dns"
	StoreHTTP   = "http"
)

// Deps are the collaborators New does not build from config. Every field
// is optional.
type Deps struct {
	Notifier notify.Notifier
	Logger   logr.Logger
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	// Dialer overrides the transport selected by stream.source.
	Dialer stream.Dialer
	Clock  stream.Clock
	Now    func() time.Time
	NewID  normalize.IDFunc
	// OnEvent observes every live event after it is stored. It runs on the
	// read goroutine.
	OnEvent func(schema.CanonicalEvent)
}

// Pipeline owns every component of one subscriber.
type Pipeline struct {
	Events     *store.Store
	DNS        *store.Store
	HTTP       *store.Store
	Alerts     *alert.Dispatcher
	Stats      *stats.Tracker
	Manager    *stream.Manager
	Normalizer *normalize.Normalizer

	log      logr.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	exporter *otel.BatchExporter
	onEvent  func(schema.CanonicalEvent)
	validate bool
	paused   atomic.Bool

	statsInterval time.Duration
	sinkGrace     time.Duration

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New builds a stopped pipeline. Call Start to connect and Close on every
// exit path.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger.GetSink() == nil {
		deps.Logger = logr.Discard()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopTracer()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	dialer := deps.Dialer
	if dialer == nil {
		var err error
		dialer, err = BuildDialer(cfg)
		if err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		Events: store.New(cfg.Store.Capacity),
		DNS:    store.New(cfg.Store.DNSCapacity),
		HTTP:   store.New(cfg.Store.HTTPCapacity),
		Normalizer: &normalize.Normalizer{
			NewID:         deps.NewID,
			Now:           deps.Now,
			InferSeverity: cfg.Normalize.InferSeverity,
		},
		log:      deps.Logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		onEvent:  deps.OnEvent,
		validate: cfg.Stream.ValidateEnvelopes,

		statsInterval: config.Millis(cfg.Stats.RefreshIntervalMS),
		sinkGrace:     config.Millis(cfg.Webhook.ShutdownGraceMS),
	}

	p.Alerts = alert.NewDispatcher(alert.Options{
		Notifier:      deps.Notifier,
		Limiter:       safety.NewRateLimiter(cfg.Alerts.ToastsPerSecond),
		MaxEntries:    cfg.Alerts.MaxEntries,
		ToastsEnabled: cfg.Alerts.ToastsEnabled,
		Recorder:      deps.Metrics,
		Logger:        deps.Logger.WithName("alerts"),
		Now:           deps.Now,
	})
	if cfg.Webhook.URL != "" {
		hook := webhook.New(cfg.Webhook.URL, cfg.Webhook.Secret, webhook.Format(cfg.Webhook.Format), cfg.Webhook.TimeoutMS)
		hook.RoutingKey = cfg.Webhook.RoutingKey
		hook.MaxRetry = cfg.Webhook.MaxRetry
		hook.Logger = deps.Logger.WithName("webhook")
		p.Alerts.AddSink(hook)
	}
	if cfg.OTLP.LogsEndpoint != "" {
		exp := otel.NewEventExporter(cfg.OTLP.LogsEndpoint, cfg.OTLP.ServiceName, telemetry.TracerName, 5*time.Second)
		p.exporter = otel.NewBatchExporter(exp, cfg.OTLP.QueueSize, cfg.OTLP.BatchSize,
			config.Millis(cfg.OTLP.FlushIntervalMS), deps.Logger.WithName("otlp"))
	}

	p.Stats = stats.NewTracker(p.Events, deps.Now)
	p.Stats.Attach()
	p.unsubscribe = append(p.unsubscribe,
		p.Stats.Detach,
		p.Alerts.Subscribe(func(alerts []schema.Alert) {
			p.Stats.ObserveAlerts(alerts)
			unread := 0
			for _, a := range alerts {
				if !a.Read {
					unread++
				}
			}
			p.metrics.SetUnread(unread)
		}),
		p.Events.Subscribe(func(s store.Snapshot) { p.metrics.SetStoreSize(StoreEvents, len(s)) }),
		p.DNS.Subscribe(func(s store.Snapshot) { p.metrics.SetStoreSize(StoreDNS, len(s)) }),
		p.HTTP.Subscribe(func(s store.Snapshot) { p.metrics.SetStoreSize(StoreHTTP, len(s)) }),
	)

	p.Manager = stream.NewManager(stream.Options{
		Dialer:          dialer,
		Handler:         p.Handle,
		Policy:          ReconnectPolicy(cfg.Stream.Reconnect),
		Notifier:        deps.Notifier,
		NotifyOnConnect: cfg.Stream.NotifyOnConnect,
		Clock:           deps.Clock,
		Recorder:        deps.Metrics,
		Logger:          deps.Logger.WithName("stream"),
	})
	p.Manager.OnStateChange(func(_, next schema.ConnectionState) {
		p.metrics.SetState(next)
	})
	if !cfg.Stream.Enabled {
		p.Manager.SetEnabled(false)
	}
	return p, nil
}

// Start launches background workers and opens the stream. It returns
// immediately; ctx bounds the workers, not the connection.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Stats.Run(ctx, p.statsInterval)
	}()
	if p.exporter != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.exporter.Run(ctx)
		}()
	}
	if p.Manager.Enabled() {
		p.Manager.Start()
	}
}

// Close stops the stream, waits for in-flight work and flushes exports.
// It is safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.Manager.Stop()
		p.Manager.Wait()
		p.Alerts.Close(p.sinkGrace)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		for _, fn := range p.unsubscribe {
			fn()
		}
	})
}

// SetPaused stops (or resumes) ingesting live events. Hydration frames
// are still applied while paused.
func (p *Pipeline) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// Paused reports whether live events are being dropped.
func (p *Pipeline) Paused() bool {
	return p.paused.Load()
}

// Ready reports whether the stream is connected.
func (p *Pipeline) Ready() bool {
	return p.Manager.State() == schema.StateConnected
}

// Hydrate loads recent events over REST when the stream is not connected.
func (p *Pipeline) Hydrate(ctx context.Context, client *api.Client) error {
	events, err := client.Events(ctx, api.EventQuery{Limit: p.Events.Capacity()})
	if err != nil {
		return fmt.Errorf("hydrate events: %w", err)
	}
	if p.Ready() {
		return nil
	}
	p.replace(events)
	return nil
}

// Handle processes one raw live-stream frame. It is the stream handler and
// runs on the read goroutine.
func (p *Pipeline) Handle(raw []byte) {
	start := time.Now()
	_, span := p.tracer.Start(context.Background(), "secstream.message",
		trace.WithAttributes(attribute.Int(semconv.AttrMessageBytes, len(raw))))
	defer func() {
		span.End()
		p.metrics.ObserveHandle(time.Since(start))
	}()

	if p.validate {
		if err := schema.ValidateEnvelope(raw); err != nil {
			p.drop(span, metrics.DropSchema, err)
			return
		}
	}
	env, err := schema.DecodeEnvelope(raw)
	if err != nil {
		p.drop(span, metrics.DropDecode, err)
		return
	}

	kind := env.Type
	if !env.IsStreamKind() {
		kind = "event"
	}
	span.SetAttributes(attribute.String(semconv.AttrMessageKind, kind))
	p.metrics.MessageReceived(kind)

	switch env.Type {
	case schema.MessageWelcome:
		p.log.Info("stream welcome", "message", env.Message)
	case schema.MessageRecentEvents:
		if env.Events == nil {
			p.drop(span, metrics.DropEmpty, fmt.Errorf("recent_events without events list"))
			return
		}
		events := make([]schema.CanonicalEvent, 0, len(env.Events))
		for _, item := range env.Events {
			ev, err := p.Normalizer.DecodeMessage(item)
			if err != nil {
				p.metrics.Dropped(metrics.DropDecode)
				p.log.V(1).Info("dropping undecodable history event", "error", err.Error())
				continue
			}
			events = append(events, ev)
		}
		p.loadHistory(events)
	case schema.MessageSecurityEvent:
		if len(env.Event) == 0 {
			p.drop(span, metrics.DropEmpty, fmt.Errorf("security_event without event"))
			return
		}
		p.live(span, env.Event)
	default:
		p.live(span, raw)
	}
}

func (p *Pipeline) live(span trace.Span, raw []byte) {
	if p.paused.Load() {
		p.metrics.Dropped(metrics.DropPaused)
		return
	}
	ev, err := p.Normalizer.DecodeMessage(raw)
	if err != nil {
		p.drop(span, metrics.DropDecode, err)
		return
	}
	p.ingest(span, ev)
}

func (p *Pipeline) ingest(span trace.Span, ev schema.CanonicalEvent) {
	p.Events.Push(ev)
	switch ev.Type {
	case schema.TypeDNSLookup:
		p.DNS.Push(ev)
	case schema.TypeHTTP:
		p.HTTP.Push(ev)
	}
	p.metrics.EventStored(ev)

	_, raised := p.Alerts.Consider(ev)
	if p.exporter != nil {
		p.exporter.Export(ev)
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
	span.SetAttributes(
		attribute.String(semconv.AttrEventID, ev.ID),
		attribute.String(semconv.AttrEventType, string(ev.Type)),
		attribute.String(semconv.AttrSeverity, ev.Severity.String()),
		attribute.Bool(semconv.AttrAlertRaised, raised),
	)
}

// replace installs a newest-first history window, as served by the REST
// events endpoint. History never raises alerts.
func (p *Pipeline) replace(events []schema.CanonicalEvent) {
	p.Events.Replace(events)
	p.DNS.Replace(store.Snapshot(events).FilterByType(schema.TypeDNSLookup))
	p.HTTP.Replace(store.Snapshot(events).FilterByType(schema.TypeHTTP))
}

// loadHistory installs an oldest-first history window, as pushed in a
// recent_events frame.
func (p *Pipeline) loadHistory(events []schema.CanonicalEvent) {
	p.Events.Reset(events)
	p.DNS.Reset(store.Snapshot(events).FilterByType(schema.TypeDNSLookup))
	p.HTTP.Reset(store.Snapshot(events).FilterByType(schema.TypeHTTP))
}

func (p *Pipeline) drop(span trace.Span, reason string, err error) {
	p.metrics.Dropped(reason)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	p.log.V(1).Info("dropping frame", "reason", reason, "error", err.Error())
}
