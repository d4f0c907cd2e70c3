// Package alert turns high and critical events into persistent alerts and
// transient toasts.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/notify"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/safety"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

const (
	criticalToastDuration = 8 * time.Second
	highToastDuration     = 5 * time.Second
)

// Sink receives every raised alert, for example a webhook exporter.
type Sink interface {
	Send(ctx context.Context, a schema.Alert) error
}

// Recorder observes dispatcher outcomes.
type Recorder interface {
	AlertRaised(schema.Severity)
	ToastShown(notify.Level)
	ToastThrottled()
	SinkFailed()
}

type nopRecorder struct{}

func (nopRecorder) AlertRaised(schema.Severity) {}
func (nopRecorder) ToastShown(notify.Level)     {}
func (nopRecorder) ToastThrottled()             {}
func (nopRecorder) SinkFailed()                 {}

// Options configures a Dispatcher. Every field is optional.
type Options struct {
	Notifier notify.Notifier
	// Limiter throttles toasts only; throttled alerts are still stored.
	Limiter *safety.RateLimiter
	// MaxEntries caps the alert list, evicting the oldest. 0 is unbounded.
	MaxEntries    int
	ToastsEnabled bool
	Recorder      Recorder
	Logger        logr.Logger
	Now           func() time.Time
	NewID         func() string
}

// Dispatcher owns the alert list and raises toasts for qualifying events.
type Dispatcher struct {
	notifier notify.Notifier
	limiter  *safety.RateLimiter
	max      int
	recorder Recorder
	log      logr.Logger
	now      func() time.Time
	newID    func() string

	mu            sync.Mutex
	alerts        []schema.Alert
	unread        int
	toastsEnabled bool
	sinks         []Sink
	nextSub       int
	subs          map[int]func([]schema.Alert)

	inflight   sync.WaitGroup
	sinkCtx    context.Context
	cancelSink context.CancelFunc
}

// NewDispatcher builds a dispatcher from opts.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		notifier:      opts.Notifier,
		limiter:       opts.Limiter,
		max:           opts.MaxEntries,
		recorder:      opts.Recorder,
		log:           opts.Logger,
		now:           opts.Now,
		newID:         opts.NewID,
		toastsEnabled: opts.ToastsEnabled,
		subs:          make(map[int]func([]schema.Alert)),
	}
	d.sinkCtx, d.cancelSink = context.WithCancel(context.Background())
	if d.notifier == nil {
		d.notifier = notify.Discard
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.log.GetSink() == nil {
		d.log = logr.Discard()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = func() string { return "alert-" + uuid.NewString() }
	}
	if d.max < 0 {
		d.max = 0
	}
	return d
}

// AddSink registers a sink for alerts raised from now on.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// ToastFor maps an event to its toast. Only high and critical events get one.
func ToastFor(ev schema.CanonicalEvent) (notify.Toast, bool) {
	toast := notify.Toast{
		Title:   title(ev.Severity),
		Message: ev.Summary,
		EventID: ev.ID,
	}
	switch ev.Severity {
	case schema.SeverityCritical:
		toast.Level = notify.LevelError
		toast.Duration = criticalToastDuration
	case schema.SeverityHigh:
		toast.Level = notify.LevelWarning
		toast.Duration = highToastDuration
	default:
		return notify.Toast{}, false
	}
	return toast, true
}

// Consider raises an alert for a high or critical event. The alert is
// always recorded; the toast depends on the toast toggle and the limiter.
func (d *Dispatcher) Consider(ev schema.CanonicalEvent) (schema.Alert, bool) {
	toast, ok := ToastFor(ev)
	if !ok {
		return schema.Alert{}, false
	}

	now := d.now()
	a := schema.Alert{
		ID:        d.newID(),
		EventID:   ev.ID,
		Severity:  ev.Severity,
		Title:     toast.Title,
		Message:   ev.Summary,
		Timestamp: ev.Timestamp,
		Action:    ev.Action,
		Status:    schema.AlertStatusActive,
		Service:   ev.Service,
		Namespace: ev.Namespace,
		PodName:   ev.PodName,
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}

	d.mu.Lock()
	next := make([]schema.Alert, 0, len(d.alerts)+1)
	next = append(next, a)
	next = append(next, d.alerts...)
	d.unread++
	if d.max > 0 && len(next) > d.max {
		for _, evicted := range next[d.max:] {
			if !evicted.Read {
				d.unread--
			}
		}
		next = next[:d.max]
	}
	d.alerts = next
	toastsOn := d.toastsEnabled
	sinks := append([]Sink(nil), d.sinks...)
	d.publishLocked()
	d.mu.Unlock()

	d.recorder.AlertRaised(a.Severity)
	if toastsOn {
		toast.Raised = now
		if d.limiter == nil || d.limiter.Allow(now) {
			d.notifier.Notify(toast)
			d.recorder.ToastShown(toast.Level)
		} else {
			d.recorder.ToastThrottled()
			d.log.V(1).Info("toast throttled", "event_id", ev.ID, "severity", ev.Severity.String())
		}
	}

	for _, sink := range sinks {
		d.inflight.Add(1)
		go func(s Sink) {
			defer d.inflight.Done()
			if err := s.Send(d.sinkCtx, a); err != nil {
				d.recorder.SinkFailed()
				d.log.Error(err, "alert sink failed", "alert_id", a.ID)
			}
		}(sink)
	}
	return a, true
}

// MarkAllRead flags every alert read and resets the unread count.
func (d *Dispatcher) MarkAllRead() {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make([]schema.Alert, len(d.alerts))
	for i, a := range d.alerts {
		a.Read = true
		a.Status = schema.AlertStatusAcknowledged
		next[i] = a
	}
	d.alerts = next
	d.unread = 0
	d.publishLocked()
}

// MarkRead flags one alert read. It reports whether the alert was found
// unread.
func (d *Dispatcher) MarkRead(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, a := range d.alerts {
		if a.ID != id {
			continue
		}
		if a.Read {
			return false
		}
		next := append([]schema.Alert(nil), d.alerts...)
		next[i].Read = true
		next[i].Status = schema.AlertStatusAcknowledged
		d.alerts = next
		d.unread--
		d.publishLocked()
		return true
	}
	return false
}

// ClearAll empties the alert list.
func (d *Dispatcher) ClearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = nil
	d.unread = 0
	d.publishLocked()
}

// UnreadCount returns the number of unread alerts.
func (d *Dispatcher) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread
}

// Alerts returns a copy of the alert list, newest first.
func (d *Dispatcher) Alerts() []schema.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]schema.Alert(nil), d.alerts...)
}

// SetToastsEnabled gates toasts. Alerts are recorded either way.
func (d *Dispatcher) SetToastsEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toastsEnabled = enabled
}

// ToastsEnabled reports the toast toggle.
func (d *Dispatcher) ToastsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toastsEnabled
}

// Subscribe registers fn to receive the alert list after every change.
// fn runs with the dispatcher locked and must not call back into it.
func (d *Dispatcher) Subscribe(fn func([]schema.Alert)) (cancel func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Wait blocks until every in-flight sink delivery has returned.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Close gives in-flight sink deliveries up to grace to finish, then
// cancels their context and waits for them to return. No alerts may be
// considered after Close.
func (d *Dispatcher) Close(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			d.cancelSink()
			return
		case <-timer.C:
		}
	}
	d.cancelSink()
	<-done
}

func (d *Dispatcher) publishLocked() {
	for _, fn := range d.subs {
		fn(d.alerts)
	}
}

func title(sev schema.Severity) string {
	return fmt.Sprintf("%s security event detected", strings.ToUpper(sev.String()))
}
