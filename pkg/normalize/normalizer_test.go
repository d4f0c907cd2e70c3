package normalize

import (
	"fmt"
	"testing"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

var fixedNow = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	seq := 0
	return &Normalizer{
		NewID: func() string {
			seq++
			return fmt.Sprintf("evt-%d", seq)
		},
		Now: func() time.Time { return fixedNow },
	}
}

func TestNormalizeEmptyPayloadIsGeneric(t *testing.T) {
	n := testNormalizer()
	for _, raw := range []map[string]any{{}, nil} {
		ev := n.Normalize(raw)
		if ev.Type != schema.TypeGeneric {
			t.Fatalf("expected generic, got %s", ev.Type)
		}
		if ev.Summary != unrecognizedSummary {
			t.Fatalf("unexpected summary %q", ev.Summary)
		}
		if ev.ID == "" || !ev.Timestamp.Equal(fixedNow) || ev.Severity != schema.SeverityInfo {
			t.Fatalf("unexpected defaults: %+v", ev)
		}
	}
}

func TestNormalizeDNSExfiltration(t *testing.T) {
	ev := testNormalizer().Normalize(map[string]any{
		"event_type": "dns_lookup",
		"names":      []any{"a.attacker.test", "b.attacker.test"},
	})
	if ev.Type != schema.TypeDNSLookup {
		t.Fatalf("expected dns_lookup, got %s", ev.Type)
	}
	if ev.Summary != "DNS query for a.attacker.test, b.attacker.test" {
		t.Fatalf("unexpected summary %q", ev.Summary)
	}
}

func TestNormalizePrecedence(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    schema.EventType
		summary string
	}{
		{
			name: "dns wins over http",
			raw: map[string]any{
				"type": "dns",
				"data": map[string]any{
					"names": []any{"x.test"},
					"http":  map[string]any{"method": "GET", "url": "/"},
				},
			},
			want:    schema.TypeDNSLookup,
			summary: "DNS query for x.test",
		},
		{
			name: "http flow",
			raw: map[string]any{
				"type": "HTTP_FLOW",
				"data": map[string]any{
					"http": map[string]any{"method": "POST", "url": "/api/v1/orders", "status_code": float64(201)},
				},
			},
			want:    schema.TypeHTTP,
			summary: "POST /api/v1/orders - 201",
		},
		{
			name: "process exec under data",
			raw: map[string]any{
				"type": "process_exec",
				"data": map[string]any{"process": map[string]any{"binary": "/usr/bin/nc"}},
			},
			want:    schema.TypeProcessExec,
			summary: "Process executed: /usr/bin/nc",
		},
		{
			name: "tetragon export shape",
			raw: map[string]any{
				"process_exec": map[string]any{"process": map[string]any{"binary": "/bin/sh"}},
			},
			want:    schema.TypeProcessExec,
			summary: "Process executed: /bin/sh",
		},
		{
			name: "kprobe",
			raw: map[string]any{
				"event_type":     "process_kprobe",
				"process_kprobe": map[string]any{"function_name": "security_file_open"},
			},
			want:    schema.TypeProcessKprobe,
			summary: "Kernel probe: security_file_open",
		},
		{
			name:    "dns without names falls back",
			raw:     map[string]any{"type": "dns_lookup", "description": "lookup"},
			want:    schema.TypeDNSLookup,
			summary: "lookup",
		},
		{
			name:    "known generic type keeps tag",
			raw:     map[string]any{"type": "file_access", "summary": "read /etc/hosts"},
			want:    schema.TypeFileAccess,
			summary: "read /etc/hosts",
		},
		{
			name:    "unknown tag",
			raw:     map[string]any{"type": "weird", "message": "hello"},
			want:    schema.TypeGeneric,
			summary: "hello",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := testNormalizer().Normalize(tc.raw)
			if ev.Type != tc.want {
				t.Fatalf("type: got %s, want %s", ev.Type, tc.want)
			}
			if ev.Summary != tc.summary {
				t.Fatalf("summary: got %q, want %q", ev.Summary, tc.summary)
			}
		})
	}
}

func TestNormalizeToleratesWrongTypes(t *testing.T) {
	ev := testNormalizer().Normalize(map[string]any{
		"type":       42,
		"event_type": []any{"x"},
		"names":      "not-a-list",
		"http":       "nope",
		"process":    7,
		"severity":   true,
		"timestamp":  map[string]any{},
		"data":       []any{1, 2},
	})
	if ev.Type != schema.TypeGeneric {
		t.Fatalf("expected generic, got %s", ev.Type)
	}
}

func TestNormalizeCopiesContext(t *testing.T) {
	ev := testNormalizer().Normalize(map[string]any{
		"id":         "evt-source",
		"event_type": "process_exec",
		"severity":   "CRITICAL",
		"action":     "blocked",
		"node_name":  "kind-control-plane",
		"time":       "2024-03-09T09:59:58Z",
		"process_exec": map[string]any{
			"process": map[string]any{
				"binary": "/usr/bin/curl",
				"pod": map[string]any{
					"namespace": "fintech-demo",
					"name":      "trading-api-abc",
					"container": map[string]any{"name": "trading-api"},
				},
			},
		},
	})

	if ev.ID != "evt-source" {
		t.Fatalf("expected source id kept, got %s", ev.ID)
	}
	if ev.Severity != schema.SeverityCritical || ev.Action != schema.ActionBlocked {
		t.Fatalf("unexpected severity/action: %s %s", ev.Severity, ev.Action)
	}
	if ev.PodName != "trading-api-abc" || ev.Namespace != "fintech-demo" || ev.Service != "trading-api" {
		t.Fatalf("pod context not copied: %+v", ev)
	}
	if ev.ProcessName != "/usr/bin/curl" || ev.NodeName != "kind-control-plane" {
		t.Fatalf("process context not copied: %+v", ev)
	}
	want := time.Date(2024, 3, 9, 9, 59, 58, 0, time.UTC)
	if !ev.Timestamp.Equal(want) || !ev.ReceivedAt.Equal(fixedNow) {
		t.Fatalf("unexpected times: ts=%s received=%s", ev.Timestamp, ev.ReceivedAt)
	}
}

func TestNormalizeNumericTimestamps(t *testing.T) {
	want := time.Unix(1710000000, 0).UTC()
	for _, v := range []float64{1710000000, 1710000000000, 1710000000000000000} {
		ev := testNormalizer().Normalize(map[string]any{"timestamp": v})
		if !ev.Timestamp.Equal(want) {
			t.Fatalf("timestamp %v: got %s", v, ev.Timestamp)
		}
	}
}

func TestInferSeverity(t *testing.T) {
	n := testNormalizer()
	n.InferSeverity = true

	tests := []struct {
		raw  map[string]any
		want schema.Severity
	}{
		{map[string]any{"type": "process_exec", "process": map[string]any{"binary": "/usr/bin/wget"}}, schema.SeverityHigh},
		{map[string]any{"type": "process_exec", "process": map[string]any{"binary": "/bin/cat", "arguments": "/etc/shadow"}}, schema.SeverityCritical},
		{map[string]any{"type": "process_exec", "process": map[string]any{"binary": "/bin/ls"}}, schema.SeverityMedium},
		{map[string]any{"type": "process_kprobe", "kprobe": map[string]any{"function_name": "security_file_open"}}, schema.SeverityCritical},
		{map[string]any{"type": "process_exec", "severity": "low", "process": map[string]any{"binary": "/usr/bin/nc"}}, schema.SeverityLow},
		{map[string]any{"type": "file_access"}, schema.SeverityInfo},
	}
	for i, tc := range tests {
		if got := n.Normalize(tc.raw).Severity; got != tc.want {
			t.Errorf("case %d: got %s, want %s", i, got, tc.want)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	n := testNormalizer()
	ev, err := n.DecodeMessage([]byte(`{"type":"process_exec","level":"high","process":{"binary":"/usr/bin/nc"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Summary != "Process executed: /usr/bin/nc" || ev.Severity != schema.SeverityHigh {
		t.Fatalf("unexpected event %+v", ev)
	}

	for _, bad := range []string{`{"type":`, `null`, `[1]`} {
		if _, err := n.DecodeMessage([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestDefaultIDsAreUnique(t *testing.T) {
	n := New()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := n.Normalize(map[string]any{}).ID
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
