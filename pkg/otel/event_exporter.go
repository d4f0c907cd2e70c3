package otel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/semconv"
)

// EventExporter sends canonical security events to an OTLP/HTTP logs endpoint.
type EventExporter struct {
	endpoint    string
	serviceName string
	scopeName   string
	client      *http.Client
}

// NewEventExporter constructs an OTLP/HTTP logs exporter.
func NewEventExporter(
	endpoint string,
	serviceName string,
	scopeName string,
	timeout time.Duration,
) *EventExporter {
	if serviceName == "" {
		serviceName = "ebpf-secstream"
	}
	if scopeName == "" {
		scopeName = "ebpf-secstream/pipeline"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventExporter{
		endpoint:    endpoint,
		serviceName: serviceName,
		scopeName:   scopeName,
		client:      &http.Client{Timeout: timeout},
	}
}

// ExportBatch posts one OTLP payload that contains all provided events.
func (e *EventExporter) ExportBatch(events []schema.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	if e.endpoint == "" {
		return fmt.Errorf("otlp endpoint is required")
	}

	payload := buildLogsPayload(e.serviceName, e.scopeName, events)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal otlp payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build otlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send otlp payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("otlp endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

type logsPayload struct {
	ResourceLogs []resourceLogs `json:"resourceLogs"`
}

type resourceLogs struct {
	Resource  resource    `json:"resource"`
	ScopeLogs []scopeLogs `json:"scopeLogs"`
}

type resource struct {
	Attributes []keyValue `json:"attributes"`
}

type scopeLogs struct {
	Scope      scope       `json:"scope"`
	LogRecords []logRecord `json:"logRecords"`
}

type scope struct {
	Name string `json:"name"`
}

type logRecord struct {
	TimeUnixNano         string     `json:"timeUnixNano"`
	ObservedTimeUnixNano string     `json:"observedTimeUnixNano"`
	SeverityNumber       int        `json:"severityNumber"`
	SeverityText         string     `json:"severityText"`
	Body                 anyValue   `json:"body"`
	Attributes           []keyValue `json:"attributes"`
}

type keyValue struct {
	Key   string   `json:"key"`
	Value anyValue `json:"value"`
}

type anyValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

func buildLogsPayload(serviceName string, scopeName string, events []schema.CanonicalEvent) logsPayload {
	records := make([]logRecord, 0, len(events))
	for _, event := range events {
		records = append(records, toLogRecord(event))
	}

	return logsPayload{
		ResourceLogs: []resourceLogs{
			{
				Resource: resource{
					Attributes: []keyValue{
						strAttribute(semconv.AttrServiceName, serviceName),
					},
				},
				ScopeLogs: []scopeLogs{
					{
						Scope:      scope{Name: scopeName},
						LogRecords: records,
					},
				},
			},
		},
	}
}

func toLogRecord(event schema.CanonicalEvent) logRecord {
	observed := event.ReceivedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = observed
	}

	attrs := []keyValue{
		strAttribute(semconv.AttrEventID, event.ID),
		strAttribute(semconv.AttrEventType, string(event.Type)),
		strAttribute(semconv.AttrSeverity, event.Severity.String()),
	}
	optional := []struct{ key, value string }{
		{semconv.AttrAction, string(event.Action)},
		{semconv.AttrServiceName, event.Service},
		{semconv.AttrK8sPodName, event.PodName},
		{semconv.AttrK8sNamespace, event.Namespace},
		{semconv.AttrK8sNodeName, event.NodeName},
		{semconv.AttrProcessBinary, event.ProcessName},
	}
	for _, kv := range optional {
		if kv.value != "" {
			attrs = append(attrs, strAttribute(kv.key, kv.value))
		}
	}

	number, text := severityLevel(event.Severity)
	return logRecord{
		TimeUnixNano:         strconv.FormatInt(ts.UnixNano(), 10),
		ObservedTimeUnixNano: strconv.FormatInt(observed.UnixNano(), 10),
		SeverityNumber:       number,
		SeverityText:         text,
		Body:                 anyValue{StringValue: event.Summary},
		Attributes:           attrs,
	}
}

func strAttribute(key string, value string) keyValue {
	return keyValue{Key: key, Value: anyValue{StringValue: value}}
}

// severityLevel maps to the OTLP log severity number ranges.
func severityLevel(sev schema.Severity) (int, string) {
	switch sev {
	case schema.SeverityCritical:
		return 21, "FATAL"
	case schema.SeverityHigh:
		return 17, "ERROR"
	case schema.SeverityMedium:
		return 13, "WARN"
	case schema.SeverityLow:
		return 10, "INFO2"
	default:
		return 9, "INFO"
	}
}
