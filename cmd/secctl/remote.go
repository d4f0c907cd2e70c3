package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/api"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

type remoteFlags struct {
	api     *string
	timeout *time.Duration
	output  *string
}

func addRemoteFlags(fs *flag.FlagSet) remoteFlags {
	return remoteFlags{
		api:     fs.String("api", envOrDefault("SECSTREAM_API", api.DefaultBaseURL), "API base URL"),
		timeout: fs.Duration("timeout", 10*time.Second, "request timeout"),
		output:  fs.String("output", "text", "output mode: text|json"),
	}
}

func (r remoteFlags) client() *api.Client {
	c := api.NewClient(*r.api, *r.timeout)
	c.Notifier = notify.NewWriter(os.Stderr)
	return c
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// paramFlag collects repeated key=value parameters.
type paramFlag map[string]any

func (p paramFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (p paramFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	p[strings.TrimSpace(key)] = val
	return nil
}

func writeJSON(out io.Writer, v any) int {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, string(payload))
	return 0
}

func runTrigger(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("secctl trigger", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	params := paramFlag{}
	fs.Var(params, "param", "scenario parameter key=value (repeatable)")

	scenario := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		scenario, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if scenario == "" {
		scenario = fs.Arg(0)
	}
	if scenario == "" {
		fmt.Fprintln(os.Stderr, "scenario is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *remote.timeout)
	defer cancel()
	resp, err := remote.client().Trigger(ctx, scenario, params)
	if err != nil {
		return 1
	}

	if *remote.output == "json" {
		return writeJSON(out, resp)
	}
	fmt.Fprintf(out, "scenario: %s\n", scenario)
	fmt.Fprintf(out, "test: %s\n", emptyFallback(resp.TestName, "n/a"))
	fmt.Fprintf(out, "risk_level: %s\n", emptyFallback(resp.RiskLevel, "n/a"))
	fmt.Fprintf(out, "message: %s\n", emptyFallback(resp.Message, "n/a"))
	for _, ev := range resp.EBPFEvent {
		fmt.Fprintf(out, "- expected event: %s\n", ev)
	}
	return 0
}

func runEvents(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("secctl events", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	severity := fs.String("severity", "", "severity filter")
	eventType := fs.String("type", "", "event type filter")
	limit := fs.Int("limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *remote.timeout)
	defer cancel()
	events, err := remote.client().Events(ctx, api.EventQuery{Severity: *severity, EventType: *eventType, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch events: %v\n", err)
		return 1
	}

	if *remote.output == "json" {
		return writeJSON(out, events)
	}
	for _, ev := range events {
		fmt.Fprintf(out, "%s %-8s %-14s %s\n",
			ev.Timestamp.UTC().Format(time.RFC3339),
			strings.ToUpper(ev.Severity.String()),
			ev.Type,
			ev.Summary,
		)
	}
	fmt.Fprintf(out, "total: %d\n", len(events))
	return 0
}

func runAlerts(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("secctl alerts", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *remote.timeout)
	defer cancel()
	alerts, err := remote.client().Alerts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch alerts: %v\n", err)
		return 1
	}

	if *remote.output == "json" {
		return writeJSON(out, alerts)
	}
	for _, a := range alerts {
		fmt.Fprintf(out, "[%s] %-8s %s: %s\n",
			emptyFallback(a.Status, "ACTIVE"),
			strings.ToUpper(a.Severity.String()),
			a.Title,
			a.Message,
		)
	}
	fmt.Fprintf(out, "total: %d\n", len(alerts))
	return 0
}

func runStats(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("secctl stats", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *remote.timeout)
	defer cancel()
	st, err := remote.client().Statistics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch statistics: %v\n", err)
		return 1
	}

	if *remote.output == "json" {
		return writeJSON(out, st)
	}
	fmt.Fprintf(out, "total_events: %d\n", st.TotalEvents)
	fmt.Fprintf(out, "recent_events: %d\n", st.RecentEvents)
	fmt.Fprintln(out, "severity:")
	for i := len(schema.Severities()) - 1; i >= 0; i-- {
		sev := schema.Severities()[i]
		fmt.Fprintf(out, "  %-8s %5d  %5.1f%%\n", sev, st.BySeverity[sev], st.Percent(sev))
	}
	fmt.Fprintln(out, "types:")
	types := make([]string, 0, len(st.ByType))
	for t := range st.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %-16s %5d\n", t, st.ByType[schema.EventType(t)])
	}
	fmt.Fprintf(out, "alerts: %d (active %d)\n", st.TotalAlerts, st.UnreadAlerts)
	return 0
}
