// Package normalize converts heterogeneous security-event payloads into
// schema.CanonicalEvent values.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

const unrecognizedSummary = "Unrecognized security event"

// IDFunc generates an identifier for events that arrive without one.
type IDFunc func() string

// NewID returns an "evt-" prefixed random UUID.
func NewID() string {
	return "evt-" + uuid.NewString()
}

// Normalizer maps raw payloads into canonical events. The zero value is
// usable; NewID and Now default to NewID and time.Now.
type Normalizer struct {
	NewID IDFunc
	Now   func() time.Time

	// InferSeverity derives a level for process events that carry none,
	// using the binary, its arguments and the probed kernel function.
	InferSeverity bool
}

// New returns a Normalizer with default ID generation and wall clock.
func New() *Normalizer {
	return &Normalizer{NewID: NewID, Now: time.Now}
}

// DecodeMessage parses one JSON object and normalizes it.
func (n *Normalizer) DecodeMessage(raw []byte) (schema.CanonicalEvent, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return schema.CanonicalEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if payload == nil {
		return schema.CanonicalEvent{}, fmt.Errorf("decode event: payload is null")
	}
	return n.Normalize(payload), nil
}

// Normalize converts one decoded payload. It never fails: missing or
// mistyped fields degrade to zero values. The returned event may share
// nested maps with raw, so raw must not be modified afterwards.
func (n *Normalizer) Normalize(raw map[string]any) schema.CanonicalEvent {
	received := n.now()
	data := object(raw["data"])
	disc := discriminator(raw)

	ev := schema.CanonicalEvent{
		ID:          str(raw["id"]),
		ReceivedAt:  received,
		Timestamp:   eventTime(raw, received),
		Service:     str(raw["service"]),
		PodName:     firstNonEmpty(str(raw["pod_name"]), str(raw["podName"])),
		Namespace:   str(raw["namespace"]),
		ProcessName: firstNonEmpty(str(raw["process_name"]), str(raw["processName"])),
		NodeName:    firstNonEmpty(str(raw["node_name"]), str(raw["node"])),
		Action:      schema.ParseAction(str(raw["action"])),
	}
	if ev.ID == "" {
		ev.ID = n.id()
	}
	applyPod(&ev, object(raw["pod"]))

	level, hasLevel := severityField(raw)
	ev.Severity = level

	var proc, kprobe map[string]any
	switch {
	case isDNS(disc) && len(dnsNames(raw, data)) > 0:
		names := dnsNames(raw, data)
		ev.Type = schema.TypeDNSLookup
		ev.Summary = "DNS query for " + strings.Join(names, ", ")
		if data != nil {
			ev.Data = data
		} else {
			ev.Data = map[string]any{"names": names}
		}
	case strings.HasPrefix(disc, "http") && httpObject(raw, data) != nil:
		obj := httpObject(raw, data)
		ev.Type = schema.TypeHTTP
		ev.Summary = fmt.Sprintf("%s %s - %s", scalar(obj["method"]), scalar(obj["url"]), scalar(obj["status_code"]))
		ev.Data = map[string]any{"http": obj}
	case disc == string(schema.TypeProcessExec) && processObject(raw, data) != nil:
		proc = processObject(raw, data)
		ev.Type = schema.TypeProcessExec
		ev.Summary = "Process executed: " + str(proc["binary"])
		ev.Data = map[string]any{"process": proc}
		if exec := object(raw["process_exec"]); exec != nil && exec["parent"] != nil {
			ev.Data["parent"] = exec["parent"]
		}
		applyProcess(&ev, proc)
	case isKprobe(disc) && kprobeObject(raw, data) != nil:
		kprobe = kprobeObject(raw, data)
		ev.Type = schema.TypeProcessKprobe
		ev.Summary = "Kernel probe: " + str(kprobe["function_name"])
		ev.Data = kprobe
		proc = object(kprobe["process"])
		applyProcess(&ev, proc)
	default:
		ev.Type = knownType(disc)
		ev.Summary = firstNonEmpty(str(raw["summary"]), str(raw["description"]), str(raw["message"]), unrecognizedSummary)
		if data != nil {
			ev.Data = data
		} else {
			ev.Data = remainder(raw)
		}
	}

	if !hasLevel && n.InferSeverity && (proc != nil || kprobe != nil) {
		ev.Severity = inferSeverity(proc, kprobe)
	}
	return ev
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

func (n *Normalizer) id() string {
	if n.NewID == nil {
		return NewID()
	}
	return n.NewID()
}

// discriminator returns the lowercased type tag. Tetragon exports carry no
// tag, only a process_exec or process_kprobe sub-object.
func discriminator(raw map[string]any) string {
	if v := str(raw["type"]); v != "" {
		return strings.ToLower(v)
	}
	if v := str(raw["event_type"]); v != "" {
		return strings.ToLower(v)
	}
	if object(raw["process_exec"]) != nil {
		return string(schema.TypeProcessExec)
	}
	if object(raw["process_kprobe"]) != nil {
		return string(schema.TypeProcessKprobe)
	}
	return ""
}

func isDNS(disc string) bool {
	return disc == string(schema.TypeDNSLookup) || disc == "dns"
}

func isKprobe(disc string) bool {
	return disc == string(schema.TypeProcessKprobe) || disc == "kprobe"
}

func knownType(disc string) schema.EventType {
	for _, t := range schema.KnownTypes() {
		if string(t) == disc {
			return t
		}
	}
	return schema.TypeGeneric
}

func dnsNames(raw, data map[string]any) []string {
	if names := stringList(raw["names"]); len(names) > 0 {
		return names
	}
	return stringList(data["names"])
}

func httpObject(raw, data map[string]any) map[string]any {
	if obj := object(raw["http"]); obj != nil {
		return obj
	}
	return object(data["http"])
}

func processObject(raw, data map[string]any) map[string]any {
	if obj := object(raw["process"]); obj != nil {
		return obj
	}
	if obj := object(data["process"]); obj != nil {
		return obj
	}
	return object(object(raw["process_exec"])["process"])
}

func kprobeObject(raw, data map[string]any) map[string]any {
	for _, key := range []string{"process_kprobe", "kprobe"} {
		if obj := object(raw[key]); obj != nil {
			return obj
		}
		if obj := object(data[key]); obj != nil {
			return obj
		}
	}
	return nil
}

func applyProcess(ev *schema.CanonicalEvent, proc map[string]any) {
	if proc == nil {
		return
	}
	if ev.ProcessName == "" {
		ev.ProcessName = str(proc["binary"])
	}
	applyPod(ev, object(proc["pod"]))
}

func applyPod(ev *schema.CanonicalEvent, pod map[string]any) {
	if pod == nil {
		return
	}
	if ev.PodName == "" {
		ev.PodName = str(pod["name"])
	}
	if ev.Namespace == "" {
		ev.Namespace = str(pod["namespace"])
	}
	if ev.Service == "" {
		ev.Service = str(object(pod["container"])["name"])
	}
}

func severityField(raw map[string]any) (schema.Severity, bool) {
	for _, key := range []string{"severity", "level"} {
		if v := str(raw[key]); v != "" {
			return schema.ParseSeverity(v), true
		}
	}
	return schema.SeverityInfo, false
}

var envelopeKeys = map[string]struct{}{
	"id": {}, "type": {}, "event_type": {}, "timestamp": {}, "time": {},
	"severity": {}, "level": {}, "summary": {}, "description": {}, "message": {},
}

func remainder(raw map[string]any) map[string]any {
	var out map[string]any
	for k, v := range raw {
		if _, skip := envelopeKeys[k]; skip {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(raw))
		}
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
