// Package stream keeps a live event transport open across transient
// failures and delivers its messages in arrival order.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// Conn is one open transport. ReadMessage blocks for the next frame and
// returns io.EOF once the peer closed cleanly.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Handler receives each message, in order, from the read goroutine.
type Handler func([]byte)

// Recorder observes transport outcomes.
type Recorder interface {
	ReconnectScheduled(delay time.Duration)
	TransportError()
}

type nopRecorder struct{}

func (nopRecorder) ReconnectScheduled(time.Duration) {}
func (nopRecorder) TransportError()                  {}

// Options configures a Manager. Dialer and Handler are required.
type Options struct {
	Dialer  Dialer
	Handler Handler
	Policy  ReconnectPolicy

	Notifier notify.Notifier
	// NotifyOnConnect raises a toast on every open and on unexpected
	// closes. Transport errors are always reported to Notifier.
	NotifyOnConnect bool

	Clock    Clock
	Recorder Recorder
	Logger   logr.Logger
}

// Manager owns one logical connection: at most one transport is open or
// opening at a time.
type Manager struct {
	dialer          Dialer
	handler         Handler
	notifier        notify.Notifier
	notifyOnConnect bool
	clock           Clock
	recorder        Recorder
	log             logr.Logger

	mu         sync.Mutex
	state      schema.ConnectionState
	enabled    bool
	manualStop bool
	generation uint64
	conn       Conn
	cancelDial context.CancelFunc
	timer      Timer
	policy     backoff.BackOff
	listeners  []func(old, new schema.ConnectionState)
	lastErr    error

	wg sync.WaitGroup
}

// NewManager builds a stopped, enabled manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		dialer:          opts.Dialer,
		handler:         opts.Handler,
		notifier:        opts.Notifier,
		notifyOnConnect: opts.NotifyOnConnect,
		clock:           opts.Clock,
		recorder:        opts.Recorder,
		log:             opts.Logger,
		state:           schema.StateDisconnected,
		enabled:         true,
		policy:          opts.Policy.backOff(),
	}
	if m.handler == nil {
		m.handler = func([]byte) {}
	}
	if m.notifier == nil {
		m.notifier = notify.Discard
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.log.GetSink() == nil {
		m.log = logr.Discard()
	}
	return m
}

// Start opens a transport unless one is already open or opening. It clears
// the manual-disconnect flag and never blocks on the network.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		m.log.V(1).Info("start ignored, stream disabled")
		return
	}
	m.manualStop = false
	m.startLocked()
}

// Stop closes the transport, cancels any pending reconnect and suppresses
// reconnects until the next Start. It is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.manualStop = true
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.fireLocked(TriggerClosedExpectedly)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.V(1).Info("close transport", "error", err.Error())
		}
	}
}

// SetEnabled toggles the stream. Disabling tears the transport down at once
// and blocks reconnects scheduled earlier; enabling starts it.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()

	if enabled {
		m.Start()
		return
	}
	m.Stop()
}

// Enabled reports the stream toggle.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// State returns the current connection state.
func (m *Manager) State() schema.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers fn for every state transition. fn runs with the
// manager locked and must not call back into it.
func (m *Manager) OnStateChange(fn func(old, new schema.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Wait blocks until every read goroutine has returned. Call it after Stop.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) startLocked() {
	if m.state == schema.StateConnecting || m.state == schema.StateConnected {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(schema.StateConnecting)

	m.wg.Add(1)
	go m.run(ctx, gen)
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	conn, err := m.dialer.Dial(ctx)
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.cancelDial = nil
		m.transportErrorLocked(err)
		m.closedUnexpectedlyLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.cancelDial = nil
	m.policy.Reset()
	m.fireLocked(TriggerOpened)
	m.mu.Unlock()

	m.log.Info("event stream connected")
	if m.notifyOnConnect {
		m.notifier.Notify(notify.Toast{
			Level:    notify.LevelSuccess,
			Title:    "Connected to event stream",
			Message:  "Receiving live security events",
			Duration: 3 * time.Second,
			Raised:   m.clock.Now(),
		})
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			m.readFailed(gen, conn, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.handler(msg)
	}
}

func (m *Manager) readFailed(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if !errors.Is(err, io.EOF) {
		m.transportErrorLocked(err)
	}
	m.closedUnexpectedlyLocked()
	m.mu.Unlock()
	_ = conn.Close()

	if m.notifyOnConnect {
		m.notifier.Notify(notify.Toast{
			Level:    notify.LevelWarning,
			Title:    "Disconnected from event stream",
			Duration: 3 * time.Second,
			Raised:   m.clock.Now(),
		})
	}
}

// current reports whether gen is still the live connection, and records
// the message trigger.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.fireLocked(TriggerMessageReceived)
	return true
}

func (m *Manager) transportErrorLocked(err error) {
	m.lastErr = err
	m.fireLocked(TriggerErrored)
	m.recorder.TransportError()
	m.log.Error(err, "event stream transport error")
	m.notifier.Notify(notify.Toast{
		Level:    notify.LevelError,
		Title:    "Event stream connection error",
		Message:  err.Error(),
		Duration: 5 * time.Second,
		Raised:   m.clock.Now(),
	})
}

func (m *Manager) closedUnexpectedlyLocked() {
	m.fireLocked(TriggerClosedUnexpectedly)
	if m.manualStop || !m.enabled {
		return
	}

	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		m.log.Info("reconnect attempts exhausted, staying disconnected")
		return
	}
	gen := m.generation
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.recorder.ReconnectScheduled(delay)
	m.log.Info("event stream closed unexpectedly, reconnect scheduled", "delay", delay.String())
}

// reconnect runs on the timer. A Stop or a newer connection since the
// timer was armed cancels it.
func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualStop || !m.enabled || gen != m.generation {
		return
	}
	m.timer = nil
	m.startLocked()
}

func (m *Manager) fireLocked(t Trigger) {
	m.setStateLocked(Transition(m.state, t))
}

func (m *Manager) setStateLocked(next schema.ConnectionState) {
	old := m.state
	if old == next {
		return
	}
	m.state = next
	for _, fn := range m.listeners {
		fn(old, next)
	}
}
