package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunValidateFrames(t *testing.T) {
	frames := strings.Join([]string{
		`{"type":"welcome","message":"hi"}`,
		``,
		`{"type":"security_event","event":{"id":"e1","event_type":"process_exec"}}`,
		`{"type":"recent_events","events":[{"id":"e2"}]}`,
	}, "\n")
	path := writeTemp(t, "frames.jsonl", frames)

	var out bytes.Buffer
	if code := runValidate([]string{"--frames", path}, &out); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), "ok: 3 frames") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunValidateRejectsBadFrames(t *testing.T) {
	tests := map[string]string{
		"missing event":   `{"type":"security_event"}`,
		"events not list": `{"type":"recent_events","events":{}}`,
		"not json":        `{"type":`,
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeTemp(t, "frames.jsonl", frame+"\n")
			var out bytes.Buffer
			if code := runValidate([]string{"--frames", path}, &out); code != 1 {
				t.Fatalf("exit code %d, want 1", code)
			}
		})
	}
}

func TestRunValidateExtraSchema(t *testing.T) {
	schemaPath := writeTemp(t, "extra.json", `{"type":"object","required":["type","message"]}`)
	frames := writeTemp(t, "frames.jsonl", `{"type":"welcome"}`+"\n")

	var out bytes.Buffer
	if code := runValidate([]string{"--frames", frames, "--schema", schemaPath}, &out); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
}

func TestRunValidateConfig(t *testing.T) {
	good := writeTemp(t, "good.yaml", "stream:\n  source: synthetic\n")
	bad := writeTemp(t, "bad.yaml", "stream:\n  source: carrier-pigeon\n")

	var out bytes.Buffer
	if code := runValidate([]string{"--config", good}, &out); code != 0 {
		t.Fatalf("good config exit code %d", code)
	}
	if code := runValidate([]string{"--config", bad}, &out); code != 1 {
		t.Fatalf("bad config exit code %d, want 1", code)
	}
	if code := runValidate(nil, &out); code != 2 {
		t.Fatalf("no flags exit code %d, want 2", code)
	}
}
