package normalize

import (
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// scalar renders a JSON scalar for a summary line. Integral numbers print
// without a fractional part.
func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// eventTime reads the source timestamp from "timestamp" or "time". Strings
// are RFC3339; numbers are unix seconds, milliseconds or nanoseconds by
// magnitude. Anything else falls back to the receive time.
func eventTime(raw map[string]any, fallback time.Time) time.Time {
	for _, key := range []string{"timestamp", "time"} {
		switch v := raw[key].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
				return ts.UTC()
			}
		case float64:
			if ts, ok := unixTime(v); ok {
				return ts
			}
		}
	}
	return fallback
}

func unixTime(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	switch {
	case v < 1e11:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case v < 1e14:
		return time.UnixMilli(int64(v)).UTC(), true
	default:
		return time.Unix(0, int64(v)).UTC(), true
	}
}

var (
	networkTools  = map[string]struct{}{"curl": {}, "wget": {}, "nc": {}, "ncat": {}, "netcat": {}, "nmap": {}, "socat": {}}
	sensitiveArgs = []string{"/etc/passwd", "/etc/shadow", "rm -rf"}
)

// inferSeverity grades a process event that arrived without a level.
// Touching credential files or recursive deletes is critical, network
// tooling is high, other process activity is medium.
func inferSeverity(proc, kprobe map[string]any) schema.Severity {
	if strings.Contains(str(kprobe["function_name"]), "security_file_open") {
		return schema.SeverityCritical
	}

	args := str(proc["arguments"])
	for _, item := range stringList(kprobe["args"]) {
		args += " " + item
	}
	for _, needle := range sensitiveArgs {
		if strings.Contains(args, needle) {
			return schema.SeverityCritical
		}
	}

	if _, ok := networkTools[path.Base(str(proc["binary"]))]; ok {
		return schema.SeverityHigh
	}
	return schema.SeverityMedium
}
