package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Stream message kinds pushed by the event source.
const (
	MessageWelcome       = "welcome"
	MessageRecentEvents  = "recent_events"
	MessageSecurityEvent = "security_event"
)

// Envelope is the outer frame of one live-stream message. A message whose
// type is none of the stream kinds is treated as a bare event payload, and
// only Type is filled in for it.
type Envelope struct {
	Type    string
	Message string
	// Event is the security_event payload. It is nil unless the frame
	// carried a JSON object under "event".
	Event json.RawMessage
	// Events is the recent_events list. It is nil when the frame had no
	// list under "events"; an empty list decodes as non-nil.
	Events []json.RawMessage
}

// IsStreamKind reports whether the envelope carries one of the framed kinds.
func (e Envelope) IsStreamKind() bool {
	switch e.Type {
	case MessageWelcome, MessageRecentEvents, MessageSecurityEvent:
		return true
	default:
		return false
	}
}

// DecodeEnvelope parses one raw frame. Any JSON object decodes; fields of
// an unexpected JSON type are left zero so the frame can still be treated
// as a bare event.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("decode envelope: frame is not a JSON object")
	}
	return envelopeFrom(fields), nil
}

// UnmarshalJSON applies the same lenient decoding as DecodeEnvelope.
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	*e = envelopeFrom(fields)
	return nil
}

func envelopeFrom(fields map[string]json.RawMessage) Envelope {
	var env Envelope
	if json.Unmarshal(fields["type"], &env.Type) != nil {
		env.Type = ""
	}
	if !env.IsStreamKind() {
		return env
	}
	if json.Unmarshal(fields["message"], &env.Message) != nil {
		env.Message = ""
	}
	if ev := bytes.TrimSpace(fields["event"]); len(ev) > 0 && ev[0] == '{' {
		env.Event = ev
	}
	var events []json.RawMessage
	if json.Unmarshal(fields["events"], &events) == nil {
		env.Events = events
	}
	return env
}

// EventsResponse is the body of GET /tetragon/events.
type EventsResponse struct {
	Success bool              `json:"success"`
	Total   int               `json:"total"`
	Events  []json.RawMessage `json:"events"`
	Filters map[string]any    `json:"filters,omitempty"`
}

// AlertsResponse is the body of GET /tetragon/alerts.
type AlertsResponse struct {
	Success bool              `json:"success"`
	Total   int               `json:"total"`
	Alerts  []json.RawMessage `json:"alerts"`
}

// StatisticsResponse is the body of GET /tetragon/statistics.
type StatisticsResponse struct {
	Success    bool       `json:"success"`
	Statistics Statistics `json:"statistics"`
}

// TriggerRequest is the body of POST /security/test/{scenario}.
type TriggerRequest struct {
	Scenario   string         `json:"scenario"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// TriggerResponse is the body returned by a manual trigger.
type TriggerResponse struct {
	Success   bool     `json:"success"`
	TestName  string   `json:"test_name,omitempty"`
	Message   string   `json:"message,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
	EBPFEvent []string `json:"ebpf_events,omitempty"`
	Error     string   `json:"error,omitempty"`
}
