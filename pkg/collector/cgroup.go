package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PodResolver maps a host PID to a pod label and short container ID.
// Empty strings mean the process is not in a pod.
type PodResolver func(pid uint32) (pod string, container string)

// CgroupPodResolver reads <procRoot>/<pid>/cgroup and pulls the pod UID
// and container ID out of the kubepods hierarchy.
func CgroupPodResolver(procRoot string) PodResolver {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return func(pid uint32) (string, string) {
		if pid == 0 {
			return "", ""
		}
		data, err := os.ReadFile(filepath.Join(procRoot, fmt.Sprint(pid), "cgroup"))
		if err != nil {
			return "", ""
		}
		return podFromCgroup(string(data))
	}
}

func podFromCgroup(data string) (string, string) {
	var pod, container string
	for _, part := range strings.FieldsFunc(data, func(r rune) bool { return r == '/' || r == '\n' }) {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		// systemd driver: kubepods-burstable-pod<uid>.slice
		if pod == "" {
			if i := strings.LastIndex(p, "-pod"); i >= 0 && strings.HasSuffix(p, ".slice") {
				pod = normalizePodLabel(p[i+len("-pod"):])
				continue
			}
			if strings.HasPrefix(p, "pod") {
				pod = normalizePodLabel(strings.TrimPrefix(p, "pod"))
				continue
			}
		}
		if container == "" && pod != "" {
			id := strings.TrimSuffix(p, ".scope")
			if i := strings.LastIndex(id, "-"); i >= 0 {
				id = id[i+1:]
			}
			if likelyContainerID(id) {
				container = shortID(id, 12)
			}
		}
	}
	return pod, container
}

func normalizePodLabel(raw string) string {
	label := strings.TrimSuffix(raw, ".slice")
	return strings.ReplaceAll(label, "_", "-")
}

func likelyContainerID(v string) bool {
	if len(v) < 12 {
		return false
	}
	for _, ch := range v {
		if !((ch >= 'a' && ch <= 'f') || (ch >= '0' && ch <= '9')) {
			return false
		}
	}
	return true
}

func shortID(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}

// withPod attaches resolved pod identity to a shaped record message.
func withPod(msg map[string]any, pod, container string) {
	p := map[string]any{"name": pod}
	if container != "" {
		p["container"] = map[string]any{"id": container}
	}
	msg["pod"] = p
}
