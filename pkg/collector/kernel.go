package collector

import (
	"fmt"
	"os"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// ProbeSmokeCheck verifies that the host can create the ring buffer map
// the kernel source reads from.
func ProbeSmokeCheck() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("probe smoke requires linux host")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("probe smoke requires privileged execution")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock rlimit: %w", err)
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "secstream_smoke",
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(os.Getpagesize()),
	})
	if err != nil {
		return fmt.Errorf("create smoke ring buffer: %w", err)
	}
	defer events.Close()

	return nil
}

// CheckPinnedRingBuf verifies that pinPath holds a ring buffer map.
func CheckPinnedRingBuf(pinPath string) error {
	m, err := ebpf.LoadPinnedMap(pinPath, &ebpf.LoadPinOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("load pinned map %s: %w", pinPath, err)
	}
	defer m.Close()

	if m.Type() != ebpf.RingBuf {
		return fmt.Errorf("pinned map %s is %s, not a ring buffer", pinPath, m.Type())
	}
	return nil
}
