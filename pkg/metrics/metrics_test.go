package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.MessageReceived(schema.MessageSecurityEvent)
	m.EventStored(schema.CanonicalEvent{Type: schema.TypeDNSLookup, Severity: schema.SeverityHigh})
	m.Dropped(DropDecode)
	m.Dropped(DropDecode)
	m.AlertRaised(schema.SeverityCritical)
	m.ToastShown(notify.LevelError)
	m.ToastThrottled()
	m.ReconnectScheduled(3 * time.Second)
	m.SetState(schema.StateConnected)

	if got := testutil.ToFloat64(m.dropped.WithLabelValues(DropDecode)); got != 2 {
		t.Fatalf("expected 2 decode drops, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("dns_lookup", "high")); got != 1 {
		t.Fatalf("expected 1 dns event, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconnectDelay); got != 3 {
		t.Fatalf("expected delay 3, got %v", got)
	}
	if testutil.ToFloat64(m.connState.WithLabelValues("connected")) != 1 ||
		testutil.ToFloat64(m.connState.WithLabelValues("disconnected")) != 0 {
		t.Fatal("state gauge not switched")
	}
}

func TestHandlerEndpoints(t *testing.T) {
	m := New()
	var ready atomic.Bool
	server := httptest.NewServer(m.Handler(ready.Load))
	defer server.Close()

	resp, err := http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}

	ready.Store(true)
	resp, err = http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "secstream_up 1") {
		t.Fatalf("expected secstream_up in scrape, got %s", body)
	}
}
