package collector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/normalize"
)

func TestPodFromCgroup(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		pod       string
		container string
	}{
		{
			name:      "cgroupfs v1",
			data:      "12:memory:/kubepods/burstable/pod3f2a1b7c-1111-2222-3333-444455556666/0123456789abcdef0123456789abcdef\n",
			pod:       "3f2a1b7c-1111-2222-3333-444455556666",
			container: "0123456789ab",
		},
		{
			name:      "systemd v2",
			data:      "0::/kubepods.slice/kubepods-besteffort.slice/kubepods-besteffort-pod3f2a1b7c_1111_2222.slice/cri-containerd-fedcba9876543210fedcba.scope\n",
			pod:       "3f2a1b7c-1111-2222",
			container: "fedcba987654",
		},
		{
			name: "host process",
			data: "0::/user.slice/user-1000.slice/session-2.scope\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pod, container := podFromCgroup(tc.data)
			if pod != tc.pod || container != tc.container {
				t.Fatalf("got %q/%q want %q/%q", pod, container, tc.pod, tc.container)
			}
		})
	}
}

func TestCgroupPodResolver(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "4242"), 0o755); err != nil {
		t.Fatal(err)
	}
	data := "0::/kubepods/podabc-123/0123456789abcdef0123\n"
	if err := os.WriteFile(filepath.Join(root, "4242", "cgroup"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	resolve := CgroupPodResolver(root)
	pod, container := resolve(4242)
	if pod != "abc-123" || container != "0123456789ab" {
		t.Fatalf("got %q/%q", pod, container)
	}
	if pod, _ := resolve(9999); pod != "" {
		t.Fatalf("missing pid should resolve empty, got %q", pod)
	}
}

func TestWithPodReachesNormalizedEvent(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	rec, err := decodeExecRecord(encodeRecord(t, recordKindExec, "sh", "/bin/sh"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, ok := recordToMessage(rec, "node-a", now)
	if !ok {
		t.Fatal("record not converted")
	}
	withPod(msg, "abc-123", "0123456789ab")

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := normalize.New().DecodeMessage(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.PodName != "abc-123" {
		t.Fatalf("pod not carried: %+v", ev)
	}
}
