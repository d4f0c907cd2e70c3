package schema

import (
	"strings"
	"time"
)

// Severity is the ordered threat level attached to each event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists all levels from lowest to highest.
func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// ParseSeverity collapses the naming used by the different feeds into
// the five-level ordering. Unknown or empty values map to info.
func ParseSeverity(v string) Severity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical", "crit", "fatal", "emergency":
		return SeverityCritical
	case "high", "error", "err", "severe":
		return SeverityHigh
	case "medium", "med", "moderate", "warning", "warn":
		return SeverityMedium
	case "low", "minor":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// MarshalText encodes the lowercase level name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts any spelling ParseSeverity understands.
func (s *Severity) UnmarshalText(text []byte) error {
	*s = ParseSeverity(string(text))
	return nil
}

// EventType is the categorical tag of a canonical event.
type EventType string

const (
	TypeProcessExec    EventType = "process_exec"
	TypeProcessKprobe  EventType = "process_kprobe"
	TypeNetworkConnect EventType = "network_connect"
	TypeDNSLookup      EventType = "dns_lookup"
	TypeHTTP           EventType = "http"
	TypeFileAccess     EventType = "file_access"
	TypeGeneric        EventType = "generic"
)

// KnownTypes lists the event types counted by the statistics view.
func KnownTypes() []EventType {
	return []EventType{
		TypeProcessExec,
		TypeProcessKprobe,
		TypeNetworkConnect,
		TypeDNSLookup,
		TypeHTTP,
		TypeFileAccess,
		TypeGeneric,
	}
}

// Action is the enforcement outcome reported by the sensor.
type Action string

const (
	ActionAllowed   Action = "ALLOWED"
	ActionBlocked   Action = "BLOCKED"
	ActionMonitored Action = "MONITORED"
)

// KnownActions lists the actions counted by the statistics view.
func KnownActions() []Action {
	return []Action{ActionAllowed, ActionBlocked, ActionMonitored}
}

// ParseAction normalizes an action string; unknown values yield "".
func ParseAction(v string) Action {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ALLOWED", "ALLOW":
		return ActionAllowed
	case "BLOCKED", "BLOCK", "DENIED", "DENY":
		return ActionBlocked
	case "MONITORED", "MONITOR", "AUDIT":
		return ActionMonitored
	default:
		return ""
	}
}

// CanonicalEvent is the normalized envelope every incoming payload is
// converted into. Values are never mutated after creation.
type CanonicalEvent struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ReceivedAt  time.Time      `json:"received_at"`
	Type        EventType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Summary     string         `json:"summary"`
	Service     string         `json:"service,omitempty"`
	PodName     string         `json:"pod_name,omitempty"`
	Namespace   string         `json:"namespace,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	Action      Action         `json:"action,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Alert is a persistent, user-dismissible record derived from a
// high or critical event.
type Alert struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Action    Action    `json:"action,omitempty"`
	Status    string    `json:"status"`
	Service   string    `json:"service,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	PodName   string    `json:"pod_name,omitempty"`
}

// Alert status values.
const (
	AlertStatusActive       = "ACTIVE"
	AlertStatusAcknowledged = "ACKNOWLEDGED"
)

// ConnectionState is the live transport state.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Statistics holds the aggregate counts for dashboard cards.
type Statistics struct {
	TotalEvents  int               `json:"total_events"`
	BySeverity   map[Severity]int  `json:"severity_breakdown"`
	ByType       map[EventType]int `json:"event_type_breakdown"`
	ByAction     map[Action]int    `json:"action_breakdown"`
	RecentEvents int               `json:"recent_events_count"`
	TotalAlerts  int               `json:"total_alerts"`
	UnreadAlerts int               `json:"active_alerts"`
	ComputedAt   time.Time         `json:"computed_at"`
}

// Percent returns the share of events at the given severity, or 0 for an
// empty window.
func (s Statistics) Percent(sev Severity) float64 {
	if s.TotalEvents == 0 {
		return 0
	}
	return float64(s.BySeverity[sev]) * 100 / float64(s.TotalEvents)
}
