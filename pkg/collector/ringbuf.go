package collector

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/stream"
)

// Record kinds written by the exec/open tracer into the ring buffer.
const (
	recordKindExec     uint32 = 1
	recordKindFileOpen uint32 = 2
)

// execRecord matches the packed struct secstream_exec_event emitted by the
// tracer: kind, pid, uid, pad, ktime_ns, comm[16], filename[256].
type execRecord struct {
	Kind        uint32
	PID         uint32
	UID         uint32
	_           uint32
	TimestampNS uint64
	Comm        [16]byte
	Filename    [256]byte
}

// DefaultRingBufPinPath is where the tracer pins its ring buffer map.
const DefaultRingBufPinPath = "/sys/fs/bpf/secstream/events"

// RingBufSource reads exec and file-open records from a pinned eBPF ring
// buffer and presents them as live-stream messages.
type RingBufSource struct {
	PinPath  string
	NodeName string
	// ResolvePod adds pod identity to records. Nil disables lookup.
	ResolvePod PodResolver
	Now        func() time.Time
}

// Dial opens the pinned map and a ring buffer reader on it.
func (s RingBufSource) Dial(ctx context.Context) (stream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pin := s.PinPath
	if pin == "" {
		pin = DefaultRingBufPinPath
	}

	m, err := ebpf.LoadPinnedMap(pin, nil)
	if err != nil {
		return nil, fmt.Errorf("load pinned map %s: %w", pin, err)
	}
	if m.Type() != ebpf.RingBuf {
		_ = m.Close()
		return nil, fmt.Errorf("pinned map %s is %s, not a ring buffer", pin, m.Type())
	}
	reader, err := ringbuf.NewReader(m)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("open ring buffer reader: %w", err)
	}

	now := s.Now
	if now == nil {
		now = time.Now
	}
	return &ringbufConn{m: m, reader: reader, node: s.NodeName, resolve: s.ResolvePod, now: now}, nil
}

type ringbufConn struct {
	m       *ebpf.Map
	reader  *ringbuf.Reader
	node    string
	resolve PodResolver
	now     func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage blocks for the next decodable record. Records that fail to
// decode are skipped.
func (c *ringbufConn) ReadMessage() ([]byte, error) {
	for {
		record, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("ringbuf read: %w", err)
		}

		rec, err := decodeExecRecord(record.RawSample)
		if err != nil {
			continue
		}
		msg, ok := recordToMessage(rec, c.node, c.now())
		if !ok {
			continue
		}
		if c.resolve != nil {
			if pod, container := c.resolve(rec.PID); pod != "" {
				withPod(msg, pod, container)
			}
		}
		return json.Marshal(msg)
	}
}

func (c *ringbufConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.reader.Close(), c.m.Close())
	})
	return c.closeErr
}

func decodeExecRecord(data []byte) (execRecord, error) {
	var rec execRecord
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &rec); err != nil {
		return rec, fmt.Errorf("decode exec record: %w", err)
	}
	return rec, nil
}

// recordToMessage shapes a kernel record like a Tetragon export so it goes
// through the same normalization as the WebSocket feed. The kernel
// timestamp is boot-relative, so the event is stamped with the read time.
func recordToMessage(rec execRecord, node string, now time.Time) (map[string]any, bool) {
	comm := cString(rec.Comm[:])
	filename := cString(rec.Filename[:])
	process := map[string]any{
		"pid": rec.PID,
		"uid": rec.UID,
	}
	msg := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
		"node_name": node,
		"ktime_ns":  rec.TimestampNS,
	}

	switch rec.Kind {
	case recordKindExec:
		process["binary"] = filename
		process["comm"] = comm
		msg["event_type"] = string(schema.TypeProcessExec)
		msg["process_exec"] = map[string]any{"process": process}
	case recordKindFileOpen:
		process["binary"] = comm
		msg["event_type"] = string(schema.TypeProcessKprobe)
		msg["process_kprobe"] = map[string]any{
			"function_name": "security_file_open",
			"args":          []string{filename},
			"process":       process,
		}
	default:
		return nil, false
	}
	return msg, true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
