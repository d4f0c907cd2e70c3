// Package api is a client for the demo backend's REST surface: hydration
// reads of events, alerts and statistics, and the manual attack trigger.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/normalize"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// DefaultBaseURL is the API root used when none is configured.
const DefaultBaseURL = "http://localhost:30080/api/v1"

// maxErrorBody bounds how much of a failed response is read for messages.
const maxErrorBody = 64 << 10

// Client talks to the REST API. Construct with NewClient.
type Client struct {
	BaseURL    string
	Notifier   notify.Notifier
	Normalizer *normalize.Normalizer
	Logger     logr.Logger
	client     *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Notifier:   notify.Discard,
		Normalizer: normalize.New(),
		Logger:     logr.Discard(),
		client:     &http.Client{Timeout: timeout},
	}
}

// EventQuery filters GET /tetragon/events. Zero fields are omitted.
type EventQuery struct {
	Severity  string
	EventType string
	Limit     int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.Severity != "" {
		v.Set("severity", q.Severity)
	}
	if q.EventType != "" {
		v.Set("event_type", q.EventType)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// Events fetches recent events and normalizes each one. Events the
// normalizer cannot decode are skipped.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]schema.CanonicalEvent, error) {
	var resp schema.EventsResponse
	if err := c.get(ctx, "/tetragon/events", q.values(), &resp); err != nil {
		return nil, err
	}
	events := make([]schema.CanonicalEvent, 0, len(resp.Events))
	for _, raw := range resp.Events {
		ev, err := c.Normalizer.DecodeMessage(raw)
		if err != nil {
			c.Logger.V(1).Info("skipping undecodable event", "error", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

type remoteAlert struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Severity    schema.Severity `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Action      string          `json:"action"`
	Status      string          `json:"status"`
	Event       json.RawMessage `json:"event"`
}

// Alerts fetches the server-side alert list.
func (c *Client) Alerts(ctx context.Context) ([]schema.Alert, error) {
	var resp schema.AlertsResponse
	if err := c.get(ctx, "/tetragon/alerts", nil, &resp); err != nil {
		return nil, err
	}
	alerts := make([]schema.Alert, 0, len(resp.Alerts))
	for _, raw := range resp.Alerts {
		var ra remoteAlert
		if err := json.Unmarshal(raw, &ra); err != nil {
			c.Logger.V(1).Info("skipping undecodable alert", "error", err.Error())
			continue
		}
		alert := schema.Alert{
			ID:        ra.ID,
			Severity:  ra.Severity,
			Title:     ra.Title,
			Message:   ra.Description,
			Timestamp: ra.Timestamp,
			Action:    schema.ParseAction(ra.Action),
			Status:    ra.Status,
		}
		if alert.Status == "" {
			alert.Status = schema.AlertStatusActive
		}
		alert.Read = alert.Status != schema.AlertStatusActive
		if len(ra.Event) > 0 && string(ra.Event) != "null" {
			if ev, err := c.Normalizer.DecodeMessage(ra.Event); err == nil {
				alert.EventID = ev.ID
				alert.Service = ev.Service
				alert.Namespace = ev.Namespace
				alert.PodName = ev.PodName
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Statistics fetches the server-side aggregate counts.
func (c *Client) Statistics(ctx context.Context) (schema.Statistics, error) {
	var resp schema.StatisticsResponse
	if err := c.get(ctx, "/tetragon/statistics", nil, &resp); err != nil {
		return schema.Statistics{}, err
	}
	return resp.Statistics, nil
}

// Trigger posts a manual attack scenario. A failure raises one error toast
// and is returned; it does not touch any pipeline state.
func (c *Client) Trigger(ctx context.Context, scenario string, params map[string]any) (schema.TriggerResponse, error) {
	resp, err := c.trigger(ctx, scenario, params)
	if err != nil {
		c.Notifier.Notify(notify.Toast{
			Level:    notify.LevelError,
			Title:    "Security test failed",
			Message:  err.Error(),
			Duration: 5 * time.Second,
			Raised:   time.Now(),
		})
		return resp, err
	}
	return resp, nil
}

func (c *Client) trigger(ctx context.Context, scenario string, params map[string]any) (schema.TriggerResponse, error) {
	var out schema.TriggerResponse
	scenario = strings.TrimSpace(scenario)
	if scenario == "" {
		return out, fmt.Errorf("scenario is required")
	}
	body, err := json.Marshal(schema.TriggerRequest{Scenario: scenario, Parameters: params})
	if err != nil {
		return out, fmt.Errorf("marshal trigger request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/security/test/"+url.PathEscape(scenario), bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, &out); err != nil {
		return out, fmt.Errorf("trigger %s: %w", scenario, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if err := c.do(req, out); err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts "message" or "error" from a JSON error body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
