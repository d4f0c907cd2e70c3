package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/api"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/collector"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/config"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/metrics"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/stream"
)

// scriptConn replays frames, then blocks until closed.
type scriptConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptConn(frames ...string) *scriptConn {
	c := &scriptConn{frames: make(chan []byte, len(frames)), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type toastLog struct {
	mu     sync.Mutex
	toasts []notify.Toast
}

func (l *toastLog) Notify(t notify.Toast) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toasts = append(l.toasts, t)
}

func (l *toastLog) levels() []notify.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]notify.Level, 0, len(l.toasts))
	for _, t := range l.toasts {
		out = append(out, t.Level)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Stream.Reconnect.DelayMS = 3000
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config, conn *scriptConn, toasts notify.Notifier) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	p, err := New(cfg, Deps{
		Notifier: toasts,
		Metrics:  m,
		Dialer: stream.DialerFunc(func(context.Context) (stream.Conn, error) {
			return conn, nil
		}),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return p, m
}

const (
	criticalExec = `{"type":"security_event","event":{"event_type":"process_exec","severity":"CRITICAL",
		"process_exec":{"process":{"binary":"/usr/bin/nc","pod":{"namespace":"fintech-demo","name":"trading-api-1"}}}}}`
	highDNS    = `{"type":"dns_lookup","severity":"high","names":["x1.attacker.test","x2.attacker.test"]}`
	mediumHTTP = `{"type":"security_event","event":{"type":"http","severity":"medium",
		"http":{"method":"GET","url":"/admin","status_code":403}}}`
)

func TestNormalFlow(t *testing.T) {
	toasts := &toastLog{}
	conn := newScriptConn(
		`{"type":"welcome","message":"hello"}`,
		criticalExec,
		highDNS,
		`{not json`,
		mediumHTTP,
	)
	p, m := newTestPipeline(t, testConfig(), conn, toasts)
	p.Start(context.Background())

	waitFor(t, "three events", func() bool { return p.Events.Len() == 3 })
	waitFor(t, "decode drop", func() bool { return dropped(m, metrics.DropDecode) == 1 })

	events := p.Events.All()
	if events[0].Type != schema.TypeHTTP || events[1].Type != schema.TypeDNSLookup || events[2].Type != schema.TypeProcessExec {
		t.Fatalf("unexpected order %s,%s,%s", events[0].Type, events[1].Type, events[2].Type)
	}
	if p.DNS.Len() != 1 || p.HTTP.Len() != 1 {
		t.Fatalf("views: dns=%d http=%d", p.DNS.Len(), p.HTTP.Len())
	}
	if events[2].PodName != "trading-api-1" || events[2].Summary != "Process executed: /usr/bin/nc" {
		t.Fatalf("unexpected exec event %+v", events[2])
	}

	if p.Alerts.UnreadCount() != 2 {
		t.Fatalf("expected 2 unread alerts, got %d", p.Alerts.UnreadCount())
	}
	want := []notify.Level{notify.LevelSuccess, notify.LevelError, notify.LevelWarning}
	waitFor(t, "toasts", func() bool { return len(toasts.levels()) == len(want) })
	for i, lvl := range toasts.levels() {
		if lvl != want[i] {
			t.Fatalf("toast %d: got %s want %s", i, lvl, want[i])
		}
	}

	st := p.Stats.Current()
	if st.TotalEvents != 3 || st.BySeverity[schema.SeverityCritical] != 1 || st.TotalAlerts != 2 || st.UnreadAlerts != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !p.Ready() {
		t.Fatal("pipeline should be ready while connected")
	}
}

func dropped(m *metrics.Metrics, reason string) int {
	families, err := m.Registry().Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != "secstream_dropped_messages_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return int(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return 0
}

func TestDNSExfiltration(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Source = config.SourceSynthetic
	cfg.Stream.Synthetic.Scenario = "dns_exfiltration"
	cfg.Stream.Synthetic.IntervalMS = 5
	cfg.Stream.Synthetic.Count = 3
	cfg.Stream.NotifyOnConnect = false

	toasts := &toastLog{}
	p, err := New(cfg, Deps{Notifier: toasts})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	defer p.Close()
	p.Start(context.Background())

	waitFor(t, "three dns events", func() bool { return p.DNS.Len() == 3 })
	p.Close()

	for _, ev := range p.DNS.All() {
		if ev.Type != schema.TypeDNSLookup || ev.Severity != schema.SeverityHigh {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Summary == "" || ev.Namespace != "fintech-demo" {
			t.Fatalf("missing summary or context: %+v", ev)
		}
	}
	if p.HTTP.Len() != 0 {
		t.Fatalf("no http events expected, got %d", p.HTTP.Len())
	}
	if p.Alerts.UnreadCount() < 3 {
		t.Fatalf("expected an alert per dns event, got %d", p.Alerts.UnreadCount())
	}
	for _, lvl := range toasts.levels() {
		if lvl != notify.LevelWarning {
			t.Fatalf("expected only warning toasts, got %s", lvl)
		}
	}
}

func TestRecentEventsReplaceWithoutAlerts(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), newScriptConn(), notify.Discard)

	p.Handle([]byte(criticalExec))
	p.Handle([]byte(`{"type":"recent_events","events":[
		{"type":"dns_lookup","severity":"critical","names":["a.test"]},
		{"type":"http","http":{"method":"POST","url":"/x","status_code":200}},
		{"type":"file_access","summary":"read /etc/hosts"}]}`))

	if p.Events.Len() != 3 {
		t.Fatalf("expected replaced window of 3, got %d", p.Events.Len())
	}
	if p.Events.All()[0].Type != schema.TypeFileAccess {
		t.Fatalf("newest history event should lead: %s", p.Events.All()[0].Type)
	}
	if p.DNS.Len() != 1 || p.HTTP.Len() != 1 {
		t.Fatalf("views not replaced: dns=%d http=%d", p.DNS.Len(), p.HTTP.Len())
	}
	if p.Alerts.UnreadCount() != 1 {
		t.Fatalf("history must not alert; unread=%d", p.Alerts.UnreadCount())
	}
}

func TestRecentEventsKeepArrivalOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Capacity = 3
	p, _ := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)

	// The server sends its buffer oldest first.
	p.Handle([]byte(`{"type":"recent_events","events":[
		{"id":"e0","type":"file_access"},
		{"id":"e1","type":"file_access"},
		{"id":"e2","type":"dns_lookup","names":["a.test"]},
		{"id":"e3","type":"dns_lookup","names":["b.test"]}]}`))
	p.Handle([]byte(`{"id":"e4","type":"dns_lookup","names":["c.test"]}`))

	if got := ids(p.Events.All()); strings.Join(got, ",") != "e4,e3,e2" {
		t.Fatalf("unexpected store order %v", got)
	}
	if got := ids(p.DNS.All()); strings.Join(got, ",") != "e4,e3,e2" {
		t.Fatalf("unexpected dns view order %v", got)
	}
}

func TestRecentEventsWithoutListIsDropped(t *testing.T) {
	p, m := newTestPipeline(t, testConfig(), newScriptConn(), notify.Discard)
	p.Handle([]byte(highDNS))
	p.Handle([]byte(`{"type":"recent_events","events":"nope"}`))

	if p.Events.Len() != 1 {
		t.Fatalf("malformed history must not wipe the window, len=%d", p.Events.Len())
	}
	if dropped(m, metrics.DropEmpty) != 1 {
		t.Fatalf("expected one empty drop, got %d", dropped(m, metrics.DropEmpty))
	}
}

func TestLooselyTypedFramesAreStored(t *testing.T) {
	p, m := newTestPipeline(t, testConfig(), newScriptConn(), notify.Discard)

	p.Handle([]byte(`{"id":"bare","type":"process_exec","timestamp":1700000000,"process":{"binary":"/bin/sh"}}`))
	p.Handle([]byte(`{"type":"security_event","timestamp":1700000000,"event":{"id":"wrapped","type":"dns_lookup","names":["x.test"]}}`))
	p.Handle([]byte(`{"id":"msg","event_type":"http","message":{"detail":"nested"},"http":{"method":"GET","url":"/","status_code":200}}`))

	if dropped(m, metrics.DropDecode) != 0 {
		t.Fatalf("valid JSON objects must not be dropped, decode drops=%d", dropped(m, metrics.DropDecode))
	}
	events := p.Events.All()
	if got := ids(events); strings.Join(got, ",") != "msg,wrapped,bare" {
		t.Fatalf("unexpected events %v", got)
	}
	if !events[2].Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("numeric timestamp not used: %s", events[2].Timestamp)
	}
	if events[0].Type != schema.TypeHTTP || events[1].Type != schema.TypeDNSLookup {
		t.Fatalf("unexpected types %s, %s", events[0].Type, events[1].Type)
	}
}

func TestPausedDropsLiveEvents(t *testing.T) {
	p, m := newTestPipeline(t, testConfig(), newScriptConn(), notify.Discard)

	p.SetPaused(true)
	p.Handle([]byte(criticalExec))
	p.Handle([]byte(highDNS))
	if p.Events.Len() != 0 || p.Alerts.UnreadCount() != 0 {
		t.Fatalf("paused pipeline stored %d events", p.Events.Len())
	}
	if dropped(m, metrics.DropPaused) != 2 {
		t.Fatalf("expected 2 paused drops, got %d", dropped(m, metrics.DropPaused))
	}

	p.SetPaused(false)
	p.Handle([]byte(highDNS))
	if p.Events.Len() != 1 {
		t.Fatalf("expected 1 event after resume, got %d", p.Events.Len())
	}
}

func TestOnEventHook(t *testing.T) {
	var seen []schema.EventType
	p, err := New(testConfig(), Deps{
		Dialer:  stream.DialerFunc(func(context.Context) (stream.Conn, error) { return newScriptConn(), nil }),
		OnEvent: func(ev schema.CanonicalEvent) { seen = append(seen, ev.Type) },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()

	p.Handle([]byte(highDNS))
	p.Handle([]byte(`{"type":"recent_events","events":[{"type":"generic"}]}`))
	p.Handle([]byte(mediumHTTP))
	if len(seen) != 2 || seen[0] != schema.TypeDNSLookup || seen[1] != schema.TypeHTTP {
		t.Fatalf("unexpected hook calls %v", seen)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.ValidateEnvelopes = true
	p, m := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)

	p.Handle([]byte(`{"type":"security_event"}`))
	p.Handle([]byte(`{"type":"recent_events","events":"nope"}`))
	p.Handle([]byte(`[1,2,3]`))
	p.Handle([]byte(mediumHTTP))

	if dropped(m, metrics.DropSchema) != 3 {
		t.Fatalf("expected 3 schema drops, got %d", dropped(m, metrics.DropSchema))
	}
	if p.Events.Len() != 1 {
		t.Fatalf("expected the valid frame to be stored, got %d", p.Events.Len())
	}
}

func TestSecurityEventWithoutPayload(t *testing.T) {
	p, m := newTestPipeline(t, testConfig(), newScriptConn(), notify.Discard)
	p.Handle([]byte(`{"type":"security_event"}`))
	p.Handle([]byte(`null`))
	if dropped(m, metrics.DropEmpty) != 1 || dropped(m, metrics.DropDecode) != 1 {
		t.Fatalf("unexpected drops empty=%d decode=%d", dropped(m, metrics.DropEmpty), dropped(m, metrics.DropDecode))
	}
	if p.Events.Len() != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestCapacityStress(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Capacity = 5
	p, _ := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)

	for i := 0; i < 50; i++ {
		p.Handle([]byte(fmt.Sprintf(`{"type":"generic","id":"e%d","severity":"low"}`, i)))
	}
	events := p.Events.All()
	if len(events) != 5 || events[0].ID != "e49" || events[4].ID != "e45" {
		t.Fatalf("unexpected window %v", ids(events))
	}
}

func ids(events []schema.CanonicalEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestWebhookSinkReceivesAlerts(t *testing.T) {
	var received atomic.Int32
	var last schema.Alert
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a schema.Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
			mu.Lock()
			last = a
			mu.Unlock()
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Webhook.URL = server.URL
	p, _ := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)

	p.Handle([]byte(criticalExec))
	p.Handle([]byte(mediumHTTP))
	p.Alerts.Wait()

	if received.Load() != 1 {
		t.Fatalf("expected 1 webhook delivery, got %d", received.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if last.Severity != schema.SeverityCritical || last.Status != schema.AlertStatusActive {
		t.Fatalf("unexpected alert payload %+v", last)
	}
}

func TestCloseBoundsStuckWebhook(t *testing.T) {
	hit := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case hit <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Webhook.URL = server.URL
	cfg.Webhook.ShutdownGraceMS = 20
	p, _ := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)

	p.Handle([]byte(criticalExec))
	<-hit

	begin := time.Now()
	p.Close()
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("close waited %s on a stuck webhook", elapsed)
	}
}

func TestOTLPExportOnClose(t *testing.T) {
	var records atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			ResourceLogs []struct {
				ScopeLogs []struct {
					LogRecords []json.RawMessage `json:"logRecords"`
				} `json:"scopeLogs"`
			} `json:"resourceLogs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			records.Add(int32(len(payload.ResourceLogs[0].ScopeLogs[0].LogRecords)))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Stream.Enabled = false
	cfg.OTLP.LogsEndpoint = server.URL
	cfg.OTLP.FlushIntervalMS = 60000
	p, _ := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)
	p.Start(context.Background())

	p.Handle([]byte(criticalExec))
	p.Handle([]byte(highDNS))
	p.Close()

	if records.Load() != 2 {
		t.Fatalf("expected 2 exported records, got %d", records.Load())
	}
}

func TestDisabledStreamDoesNotDial(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Enabled = false
	var dials atomic.Int32
	p, err := New(cfg, Deps{Dialer: stream.DialerFunc(func(context.Context) (stream.Conn, error) {
		dials.Add(1)
		return newScriptConn(), nil
	})})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Close()
	if dials.Load() != 0 {
		t.Fatalf("expected no dials, got %d", dials.Load())
	}
	if p.Manager.State() != schema.StateDisconnected {
		t.Fatalf("unexpected state %s", p.Manager.State())
	}
}

func TestHydrate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "200" {
			t.Errorf("expected limit=200, got %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"success":true,"events":[
			{"type":"http","http":{"method":"GET","url":"/","status_code":200}},
			{"type":"dns_lookup","names":["ok.test"]}]}`)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Stream.Enabled = false
	p, _ := newTestPipeline(t, cfg, newScriptConn(), notify.Discard)

	if err := p.Hydrate(context.Background(), api.NewClient(server.URL, time.Second)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if p.Events.Len() != 2 || p.DNS.Len() != 1 || p.HTTP.Len() != 1 {
		t.Fatalf("unexpected hydrate result events=%d dns=%d http=%d", p.Events.Len(), p.DNS.Len(), p.HTTP.Len())
	}
	if p.Alerts.UnreadCount() != 0 {
		t.Fatal("hydration must not alert")
	}
}

func TestBuildDialer(t *testing.T) {
	cfg := config.Default()
	d, err := BuildDialer(cfg)
	if err != nil {
		t.Fatalf("websocket: %v", err)
	}
	ws, ok := d.(stream.WebSocketDialer)
	if !ok || ws.URL != "ws://localhost:30080/api/v1/tetragon/ws" {
		t.Fatalf("unexpected dialer %#v", d)
	}

	cfg.Stream.URL = "wss://stream.example/ws"
	d, _ = BuildDialer(cfg)
	if d.(stream.WebSocketDialer).URL != "wss://stream.example/ws" {
		t.Fatal("explicit url should win")
	}

	cfg.Stream.Source = config.SourceRingBuf
	d, err = BuildDialer(cfg)
	if err != nil {
		t.Fatalf("ringbuf: %v", err)
	}
	rb, ok := d.(collector.RingBufSource)
	if !ok || rb.PinPath != "/sys/fs/bpf/secstream/events" || rb.ResolvePod == nil {
		t.Fatalf("unexpected ringbuf dialer %#v", d)
	}

	cfg.Stream.Source = "bogus"
	if _, err := BuildDialer(cfg); err == nil {
		t.Fatal("expected error for unknown source")
	}

	policy := ReconnectPolicy(config.ReconnectConfig{DelayMS: 3000, MaxRetries: 2})
	if policy.Delay != 3*time.Second || policy.MaxRetries != 2 {
		t.Fatalf("unexpected policy %+v", policy)
	}
}
