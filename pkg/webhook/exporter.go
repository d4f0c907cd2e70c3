// Package webhook forwards raised security alerts to an incident endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// Headers set on every delivery.
const (
	SignatureHeader = "X-Webhook-Signature"
	AlertIDHeader   = "X-Secstream-Alert-Id"
)

// StatusError is a non-2xx response from the endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded HTTP %d", e.StatusCode)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Exporter posts alerts to one endpoint in the configured Format.
type Exporter struct {
	URL        string
	Secret     string
	Format     Format
	RoutingKey string
	// MaxRetry counts attempts, not retries. Values below 1 mean one attempt.
	MaxRetry int
	// RetryBase is the first retry wait; later waits double.
	RetryBase time.Duration
	Logger    logr.Logger

	client *http.Client
}

// New builds an exporter. A non-positive timeout falls back to 5s.
func New(url, secret string, format Format, timeoutMS int) *Exporter {
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}
	if format == "" {
		format = FormatGeneric
	}
	return &Exporter{
		URL:       url,
		Secret:    secret,
		Format:    format,
		MaxRetry:  3,
		RetryBase: time.Second,
		Logger:    logr.Discard(),
		client:    &http.Client{Timeout: time.Duration(timeoutMS) * time.Millisecond},
	}
}

// Send delivers alert, retrying timeouts and 5xx/429 responses until the
// attempt budget or ctx runs out.
func (e *Exporter) Send(ctx context.Context, alert schema.Alert) error {
	body, err := Encode(e.Format, alert, e.RoutingKey)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Format, err)
	}

	attempts := e.MaxRetry
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.RetryBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempt := 0
	deliver := func() error {
		attempt++
		err := e.post(ctx, alert.ID, body)
		var status *StatusError
		if errors.As(err, &status) && !status.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	retried := func(err error, wait time.Duration) {
		e.Logger.V(1).Info("webhook delivery retry", "alert", alert.ID, "attempt", attempt, "wait", wait, "error", err.Error())
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(deliver, b, retried); err != nil {
		return fmt.Errorf("deliver alert %s after %d attempt(s): %w", alert.ID, attempt, err)
	}
	return nil
}

func (e *Exporter) post(ctx context.Context, alertID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ebpf-secstream/webhook")
	req.Header.Set(AlertIDHeader, alertID)
	if e.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, e.Secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signature produced by Sign.
func VerifyHMAC(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
