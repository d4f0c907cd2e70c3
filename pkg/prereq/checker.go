package prereq

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"
)

const (
	severityBlocker = "blocker"
	severityWarning = "warning"
)

var kernelVersionPattern = regexp.MustCompile(`^(\d+)\.(\d+)`)

// CheckResult is one prerequisite evaluation row.
type CheckResult struct {
	Name        string `json:"name"`
	Pass        bool   `json:"pass"`
	Severity    string `json:"severity"`
	Current     string `json:"current"`
	Required    string `json:"required"`
	Remediation string `json:"remediation"`
}

// Report is the full prereq check result.
type Report struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	HostOS        string        `json:"host_os"`
	HostArch      string        `json:"host_arch"`
	KernelRelease string        `json:"kernel_release"`
	Checks        []CheckResult `json:"checks"`
	Pass          bool          `json:"pass"`
}

// Snapshot captures host facts before evaluation.
type Snapshot struct {
	HostOS         string
	HostArch       string
	KernelRelease  string
	HasBTF         bool
	HasBPFFS       bool
	RingBufPinPath string
	HasRingBufPin  bool
	HasBPFTool     bool
	IsRoot         bool
}

// CollectSnapshot gathers host facts from the current process environment.
func CollectSnapshot(pinPath string) Snapshot {
	kernel, _ := kernelRelease()
	return Snapshot{
		HostOS:         runtime.GOOS,
		HostArch:       runtime.GOARCH,
		KernelRelease:  kernel,
		HasBTF:         pathExists("/sys/kernel/btf/vmlinux"),
		HasBPFFS:       pathExists("/sys/fs/bpf"),
		RingBufPinPath: pinPath,
		HasRingBufPin:  pathExists(pinPath),
		HasBPFTool:     hasBinary("bpftool"),
		IsRoot:         os.Geteuid() == 0,
	}
}

// Evaluate returns a report with pass/fail checks for the ring buffer
// event source.
func Evaluate(snapshot Snapshot) Report {
	checks := []CheckResult{
		{
			Name:        "host_linux",
			Pass:        snapshot.HostOS == "linux",
			Severity:    severityBlocker,
			Current:     snapshot.HostOS,
			Required:    "linux",
			Remediation: "The ringbuf source only runs on Linux; use the websocket or synthetic source elsewhere.",
		},
		buildKernelCheck(snapshot.KernelRelease),
		{
			Name:        "bpffs_mounted",
			Pass:        snapshot.HasBPFFS,
			Severity:    severityBlocker,
			Current:     boolLabel(snapshot.HasBPFFS),
			Required:    "true",
			Remediation: "Mount the BPF filesystem: mount -t bpf bpf /sys/fs/bpf.",
		},
		{
			Name:        "ringbuf_pinned",
			Pass:        snapshot.HasRingBufPin,
			Severity:    severityBlocker,
			Current:     boolLabel(snapshot.HasRingBufPin),
			Required:    snapshot.RingBufPinPath,
			Remediation: "Load the exec/file-open probe and pin its ring buffer at stream.ringbuf.pin_path.",
		},
		{
			Name:        "privileged_execution",
			Pass:        snapshot.IsRoot,
			Severity:    severityBlocker,
			Current:     boolLabel(snapshot.IsRoot),
			Required:    "true",
			Remediation: "Run as root or grant CAP_BPF and CAP_PERFMON to open pinned maps.",
		},
		{
			Name:        "btf_available",
			Pass:        snapshot.HasBTF,
			Severity:    severityWarning,
			Current:     boolLabel(snapshot.HasBTF),
			Required:    "true",
			Remediation: "Enable kernel BTF so CO-RE probes load without per-kernel builds.",
		},
		{
			Name:        "bpftool_installed",
			Pass:        snapshot.HasBPFTool,
			Severity:    severityWarning,
			Current:     boolLabel(snapshot.HasBPFTool),
			Required:    "true",
			Remediation: "Install bpftool to inspect pinned maps when debugging the source.",
		},
	}

	pass := true
	for _, check := range checks {
		if check.Severity == severityBlocker && !check.Pass {
			pass = false
			break
		}
	}

	return Report{
		GeneratedAt:   time.Now().UTC(),
		HostOS:        snapshot.HostOS,
		HostArch:      snapshot.HostArch,
		KernelRelease: snapshot.KernelRelease,
		Checks:        checks,
		Pass:          pass,
	}
}

// RunLocal executes prereq evaluation on current host.
func RunLocal(pinPath string) Report {
	return Evaluate(CollectSnapshot(pinPath))
}

// StrictPass returns true only if all checks pass, including warnings.
func StrictPass(report Report) bool {
	for _, check := range report.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// MarshalJSON returns pretty JSON for external reporting.
func MarshalJSON(report Report) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

func buildKernelCheck(release string) CheckResult {
	major, minor, err := ParseKernelRelease(release)
	if err != nil {
		return CheckResult{
			Name:        "kernel_version",
			Pass:        false,
			Severity:    severityBlocker,
			Current:     release,
			Required:    ">=5.8",
			Remediation: "Use Linux kernel 5.8+; BPF ring buffers are not available earlier.",
		}
	}

	pass := major > 5 || (major == 5 && minor >= 8)
	return CheckResult{
		Name:        "kernel_version",
		Pass:        pass,
		Severity:    severityBlocker,
		Current:     fmt.Sprintf("%d.%d", major, minor),
		Required:    ">=5.8",
		Remediation: "Upgrade the Linux kernel to >=5.8 for BPF ring buffer support.",
	}
}

// ParseKernelRelease extracts major/minor from kernel release strings like "6.8.0-31-generic".
func ParseKernelRelease(release string) (int, int, error) {
	match := kernelVersionPattern.FindStringSubmatch(strings.TrimSpace(release))
	if len(match) != 3 {
		return 0, 0, fmt.Errorf("unrecognized kernel release %q", release)
	}

	var major, minor int
	if _, err := fmt.Sscanf(match[0], "%d.%d", &major, &minor); err != nil {
		return 0, 0, fmt.Errorf("parse kernel release %q: %w", release, err)
	}
	return major, minor, nil
}

func kernelRelease() (string, error) {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
