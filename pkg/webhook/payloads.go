package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// Format selects the payload shape.
type Format string

const (
	FormatGeneric   Format = "generic"
	FormatPagerDuty Format = "pagerduty"
	FormatOpsgenie  Format = "opsgenie"
)

const source = "ebpf-secstream"

// Encode renders alert in the given format. Unknown formats fall back to
// the generic alert JSON.
func Encode(format Format, alert schema.Alert, routingKey string) ([]byte, error) {
	switch format {
	case FormatPagerDuty:
		return json.Marshal(pagerDutyEvent(alert, routingKey))
	case FormatOpsgenie:
		return json.Marshal(opsgenieAlert(alert))
	default:
		return json.Marshal(alert)
	}
}

// PagerDuty Events API v2.
type pdEvent struct {
	RoutingKey  string    `json:"routing_key"`
	EventAction string    `json:"event_action"`
	DedupKey    string    `json:"dedup_key"`
	Payload     pdPayload `json:"payload"`
}

type pdPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Timestamp     string            `json:"timestamp"`
	Class         string            `json:"class"`
	Component     string            `json:"component,omitempty"`
	Group         string            `json:"group,omitempty"`
	CustomDetails map[string]string `json:"custom_details"`
}

func pagerDutyEvent(alert schema.Alert, routingKey string) pdEvent {
	return pdEvent{
		RoutingKey:  routingKey,
		EventAction: "trigger",
		DedupKey:    alert.EventID,
		Payload: pdPayload{
			Summary:   fmt.Sprintf("%s: %s", alert.Title, alert.Message),
			Source:    workload(alert),
			Severity:  pagerDutySeverity(alert.Severity),
			Timestamp: alert.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Class:     "security_event",
			Component: alert.Service,
			Group:     alert.Namespace,
			CustomDetails: map[string]string{
				"alert_id": alert.ID,
				"event_id": alert.EventID,
				"action":   orUnknown(string(alert.Action)),
				"status":   alert.Status,
			},
		},
	}
}

func pagerDutySeverity(s schema.Severity) string {
	switch s {
	case schema.SeverityCritical:
		return "critical"
	case schema.SeverityHigh:
		return "error"
	case schema.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// Opsgenie Alert API.
type ogAlert struct {
	Message     string            `json:"message"`
	Alias       string            `json:"alias"`
	Description string            `json:"description"`
	Priority    string            `json:"priority"`
	Source      string            `json:"source"`
	Entity      string            `json:"entity"`
	Tags        []string          `json:"tags"`
	Details     map[string]string `json:"details"`
}

func opsgenieAlert(alert schema.Alert) ogAlert {
	tags := []string{source, alert.Severity.String()}
	if alert.Action != "" {
		tags = append(tags, string(alert.Action))
	}
	if alert.Namespace != "" {
		tags = append(tags, alert.Namespace)
	}
	return ogAlert{
		Message:     alert.Title,
		Alias:       alert.EventID,
		Description: fmt.Sprintf("%s\nAction: %s\nWorkload: %s", alert.Message, orUnknown(string(alert.Action)), workload(alert)),
		Priority:    OpsgeniePriority(alert.Severity, alert.Action),
		Source:      source,
		Entity:      workload(alert),
		Tags:        tags,
		Details: map[string]string{
			"alert_id":  alert.ID,
			"event_id":  alert.EventID,
			"service":   alert.Service,
			"namespace": alert.Namespace,
			"pod":       alert.PodName,
		},
	}
}

// OpsgeniePriority ranks an alert. An event the sensor already blocked
// drops one priority step.
func OpsgeniePriority(sev schema.Severity, action schema.Action) string {
	rank := 5
	switch sev {
	case schema.SeverityCritical:
		rank = 1
	case schema.SeverityHigh:
		rank = 3
	case schema.SeverityMedium:
		rank = 4
	}
	if action == schema.ActionBlocked && rank < 5 {
		rank++
	}
	return fmt.Sprintf("P%d", rank)
}

func workload(alert schema.Alert) string {
	ns := alert.Namespace
	if ns == "" {
		ns = "default"
	}
	name := alert.PodName
	if name == "" {
		name = alert.Service
	}
	if name == "" {
		return ns
	}
	return ns + "/" + name
}

func orUnknown(v string) string {
	if v == "" {
		return "UNKNOWN"
	}
	return v
}
