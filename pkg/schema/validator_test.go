package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateEnvelopeAcceptsStreamKinds(t *testing.T) {
	frames := []string{
		`{"type":"welcome","message":"connected","timestamp":"2024-03-09T10:00:00Z"}`,
		`{"type":"recent_events","events":[{"event_type":"process_exec"}]}`,
		`{"type":"security_event","event":{"event_type":"process_kprobe","severity":"CRITICAL"}}`,
		`{"type":"dns_lookup","level":"high","data":{"names":["a.attacker.test"]}}`,
		`{}`,
	}
	for _, frame := range frames {
		if err := ValidateEnvelope([]byte(frame)); err != nil {
			t.Fatalf("frame %s rejected: %v", frame, err)
		}
	}
}

func TestValidateEnvelopeRejectsMissingPayload(t *testing.T) {
	frames := []string{
		`{"type":"security_event"}`,
		`{"type":"recent_events","events":"nope"}`,
		`{"type":42}`,
		`[1,2,3]`,
	}
	for _, frame := range frames {
		if err := ValidateEnvelope([]byte(frame)); err == nil {
			t.Fatalf("expected frame %s to fail validation", frame)
		}
	}
}

func TestValidateEnvelopeRejectsInvalidJSON(t *testing.T) {
	if err := ValidateEnvelope([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestValidateAgainstSchemaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alert.schema.json")
	content := `{
  "type": "object",
  "required": ["id", "severity", "title"],
  "properties": {
    "severity": {"enum": ["high", "critical"]}
  }
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	alert := Alert{
		ID:        "alert-1",
		EventID:   "evt-1",
		Severity:  SeverityCritical,
		Title:     "CRITICAL security event",
		Timestamp: time.Now().UTC(),
		Status:    AlertStatusActive,
	}
	if err := ValidateAgainstSchema(path, alert); err != nil {
		t.Fatalf("schema validation failed: %v", err)
	}

	alert.Severity = SeverityLow
	if err := ValidateAgainstSchema(path, alert); err == nil {
		t.Fatal("expected low severity alert to fail the enum")
	}
}

func TestValidateEnvelopeAcceptsLooselyTypedEvents(t *testing.T) {
	frames := []string{
		`{"type":"process_exec","timestamp":1700000000,"process":{"binary":"/bin/sh"}}`,
		`{"event_type":"http","message":{"note":"nested"},"http":{"method":"GET"}}`,
		`{"type":"security_event","timestamp":1700000000,"event":{"type":"dns_lookup"}}`,
	}
	for _, frame := range frames {
		if err := ValidateEnvelope([]byte(frame)); err != nil {
			t.Fatalf("frame %s rejected: %v", frame, err)
		}
	}
}
