package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/api"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/collector"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/config"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/logging"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/metrics"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/pipeline"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/telemetry"
)

var version = "dev"

// eventPrinter renders stored events on stdout.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	format string
	min    schema.Severity
}

func (p *eventPrinter) print(ev schema.CanonicalEvent) {
	if !ev.Severity.AtLeast(p.min) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "jsonl" {
		line, err := json.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(p.out, string(line))
		return
	}

	where := strings.Trim(ev.Namespace+"/"+ev.PodName, "/")
	if where == "" {
		where = emptyFallback(ev.NodeName, "-")
	}
	_, _ = fmt.Fprintf(p.out, "%s %-8s %-14s %-32s %s\n",
		ev.Timestamp.UTC().Format(time.RFC3339),
		strings.ToUpper(ev.Severity.String()),
		ev.Type,
		where,
		ev.Summary,
	)
}

func emptyFallback(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func main() {
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Println(version)
		return
	}

	var (
		configPath = flag.String("config", filepath.Join("config", "secstream.yaml"), "secstream config path")

		source     = flag.String("source", "", "override stream.source: websocket|synthetic|ringbuf")
		streamURL  = flag.String("url", "", "override stream.url")
		apiBase    = flag.String("api", "", "override api.base_url")
		scenario   = flag.String("scenario", "", "synthetic scenario name")
		count      = flag.Int("count", -1, "synthetic event count per connection (0 = unbounded)")
		intervalMS = flag.Int("interval-ms", 0, "synthetic emit interval in milliseconds")
		validate   = flag.Bool("validate", false, "validate every frame against the envelope schema")
		hydrate    = flag.Bool("hydrate", false, "load recent events over REST before streaming")

		output      = flag.String("output", "text", "event output: text|jsonl|none")
		minSeverity = flag.String("min-severity", "info", "lowest severity printed")
		noToasts    = flag.Bool("no-toasts", false, "disable alert toasts")
		statsEvery  = flag.Duration("stats-interval", 30*time.Second, "log a statistics summary at this interval (0 = off)")

		webhookURL    = flag.String("webhook-url", "", "alert webhook URL (empty = config value)")
		webhookSecret = flag.String("webhook-secret", "", "HMAC-SHA256 secret for webhook signing")
		webhookFormat = flag.String("webhook-format", "", "webhook payload format: generic|pagerduty|opsgenie")
		otlpEndpoint  = flag.String("otlp-endpoint", "", "OTLP/HTTP logs endpoint for event export")
		tracing       = flag.Bool("tracing", false, "enable OpenTelemetry tracing")
		traceEndpoint = flag.String("trace-endpoint", "", "OTLP/gRPC trace endpoint (empty = stdout)")

		metricsBind = flag.String("metrics-bind", "", "metrics and health bind address")
		verbosity   = flag.Int("v", -1, "log verbosity")
		probeSmoke  = flag.Bool("probe-smoke", false, "run eBPF smoke check and exit")
	)
	flag.Parse()

	if *probeSmoke {
		if err := collector.ProbeSmokeCheck(); err != nil {
			fmt.Fprintf(os.Stderr, "probe smoke failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("probe smoke ok")
		return
	}

	bootLog := logging.New(os.Stderr, "secstream", 0)
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			bootLog.Info("config load warning; using defaults", "path", *configPath, "error", err.Error())
		} else {
			cfg = loaded
		}
	}
	applyFlags(&cfg, flagOverrides{
		source:        *source,
		streamURL:     *streamURL,
		apiBase:       *apiBase,
		scenario:      *scenario,
		count:         *count,
		intervalMS:    *intervalMS,
		validate:      *validate,
		hydrate:       *hydrate,
		noToasts:      *noToasts,
		webhookURL:    *webhookURL,
		webhookSecret: *webhookSecret,
		webhookFormat: *webhookFormat,
		otlpEndpoint:  *otlpEndpoint,
		tracing:       *tracing,
		traceEndpoint: *traceEndpoint,
		metricsBind:   *metricsBind,
		verbosity:     *verbosity,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, "secstream", cfg.Logging.Verbosity)
	logging.Install(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := pipeline.Deps{
		Notifier: notify.NewWriter(os.Stderr),
		Logger:   logger,
		Metrics:  metrics.New(),
	}
	if *output != "none" {
		printer := &eventPrinter{out: os.Stdout, format: *output, min: schema.ParseSeverity(*minSeverity)}
		deps.OnEvent = printer.print
	}
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Error(err, "setup tracer provider")
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		deps.Tracer = telemetry.Tracer()
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		logger.Error(err, "build pipeline")
		os.Exit(1)
	}
	defer p.Close()

	deps.Metrics.Serve(ctx, cfg.Metrics.Bind, p.Ready, logger.WithName("metrics"))

	if cfg.API.Hydrate {
		client := api.NewClient(cfg.API.BaseURL, config.Millis(cfg.API.TimeoutMS))
		client.Logger = logger.WithName("api")
		if err := p.Hydrate(ctx, client); err != nil {
			logger.Error(err, "hydration failed; continuing with live stream only")
		}
	}

	logger.Info("starting subscriber",
		"version", version,
		"source", cfg.Stream.Source,
		"metrics", cfg.Metrics.Bind,
		"store_capacity", cfg.Store.Capacity,
	)
	p.Start(ctx)

	if *statsEvery > 0 {
		go logStats(ctx, p, *statsEvery, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down", "state", string(p.Manager.State()))
}

func logStats(ctx context.Context, p *pipeline.Pipeline, every time.Duration, logger logr.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Stats.Current()
			logger.Info("statistics",
				"state", string(p.Manager.State()),
				"events", st.TotalEvents,
				"recent", st.RecentEvents,
				"critical", st.BySeverity[schema.SeverityCritical],
				"high", st.BySeverity[schema.SeverityHigh],
				"critical_pct", fmt.Sprintf("%.1f", st.Percent(schema.SeverityCritical)),
				"alerts", st.TotalAlerts,
				"unread", st.UnreadAlerts,
			)
		}
	}
}

type flagOverrides struct {
	source        string
	streamURL     string
	apiBase       string
	scenario      string
	count         int
	intervalMS    int
	validate      bool
	hydrate       bool
	noToasts      bool
	webhookURL    string
	webhookSecret string
	webhookFormat string
	otlpEndpoint  string
	tracing       bool
	traceEndpoint string
	metricsBind   string
	verbosity     int
}

// applyFlags lets CLI flags override config file values.
func applyFlags(cfg *config.Config, f flagOverrides) {
	if f.source != "" {
		cfg.Stream.Source = strings.ToLower(f.source)
	}
	if f.streamURL != "" {
		cfg.Stream.URL = f.streamURL
	}
	if f.apiBase != "" {
		cfg.API.BaseURL = f.apiBase
	}
	if f.scenario != "" {
		cfg.Stream.Synthetic.Scenario = f.scenario
	}
	if f.count >= 0 {
		cfg.Stream.Synthetic.Count = f.count
	}
	if f.intervalMS > 0 {
		cfg.Stream.Synthetic.IntervalMS = f.intervalMS
	}
	if f.validate {
		cfg.Stream.ValidateEnvelopes = true
	}
	if f.hydrate {
		cfg.API.Hydrate = true
	}
	if f.noToasts {
		cfg.Alerts.ToastsEnabled = false
	}
	if f.webhookURL != "" {
		cfg.Webhook.URL = f.webhookURL
	}
	if f.webhookSecret != "" {
		cfg.Webhook.Secret = f.webhookSecret
	}
	if f.webhookFormat != "" {
		cfg.Webhook.Format = strings.ToLower(f.webhookFormat)
	}
	if f.otlpEndpoint != "" {
		cfg.OTLP.LogsEndpoint = f.otlpEndpoint
	}
	if f.tracing {
		cfg.Tracing.Enabled = true
	}
	if f.traceEndpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = f.traceEndpoint
	}
	if f.metricsBind != "" {
		cfg.Metrics.Bind = f.metricsBind
	}
	if f.verbosity >= 0 {
		cfg.Logging.Verbosity = f.verbosity
	}
}
