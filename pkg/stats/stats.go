// Package stats derives the aggregate counts shown on dashboard cards.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/store"
)

// RecentWindow bounds the RecentEvents count.
const RecentWindow = time.Hour

// Compute counts events by severity, type and action. Every known key is
// present in the maps, so an empty window yields explicit zeros.
func Compute(events []schema.CanonicalEvent, now time.Time) schema.Statistics {
	out := schema.Statistics{
		TotalEvents: len(events),
		BySeverity:  make(map[schema.Severity]int, len(schema.Severities())),
		ByType:      make(map[schema.EventType]int, len(schema.KnownTypes())),
		ByAction:    make(map[schema.Action]int, len(schema.KnownActions())),
		ComputedAt:  now,
	}
	for _, sev := range schema.Severities() {
		out.BySeverity[sev] = 0
	}
	for _, t := range schema.KnownTypes() {
		out.ByType[t] = 0
	}
	for _, a := range schema.KnownActions() {
		out.ByAction[a] = 0
	}

	cutoff := now.Add(-RecentWindow)
	for _, ev := range events {
		out.BySeverity[ev.Severity]++
		out.ByType[ev.Type]++
		if ev.Action != "" {
			out.ByAction[ev.Action]++
		}
		if ev.Timestamp.After(cutoff) {
			out.RecentEvents++
		}
	}
	return out
}

// Tracker keeps statistics current for one store.
type Tracker struct {
	store *store.Store
	now   func() time.Time

	mu           sync.RWMutex
	current      schema.Statistics
	applied      uint64
	totalAlerts  int
	unreadAlerts int
	cancel       func()
}

// NewTracker creates a tracker over s.
func NewTracker(s *store.Store, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{store: s, now: now}
	t.Refresh()
	return t
}

// Attach recomputes on every store mutation until Detach is called.
func (t *Tracker) Attach() {
	cancel := t.store.Subscribe(func(store.Snapshot) { t.Refresh() })
	t.mu.Lock()
	prev := t.cancel
	t.cancel = cancel
	t.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Detach stops store-driven recomputation.
func (t *Tracker) Detach() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ObserveAlerts folds the alert list into the alert counts. It matches the
// alert dispatcher's Subscribe callback.
func (t *Tracker) ObserveAlerts(alerts []schema.Alert) {
	unread := 0
	for _, a := range alerts {
		if !a.Read {
			unread++
		}
	}
	t.mu.Lock()
	t.totalAlerts = len(alerts)
	t.unreadAlerts = unread
	t.current.TotalAlerts = len(alerts)
	t.current.UnreadAlerts = unread
	t.mu.Unlock()
}

// Run recomputes every interval until ctx is done. It is the fallback for
// consumers that cannot rely on store notifications, and it also advances
// the recent-events window while the store is idle.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Refresh()
		}
	}
}

// Refresh recomputes from the store's current snapshot. A result computed
// from a snapshot older than the one already applied is discarded.
func (t *Tracker) Refresh() {
	snap, seq := t.store.Versioned()
	t.set(snap, seq)
}

// Current returns the latest statistics. Maps are shared and must be
// treated as read-only.
func (t *Tracker) Current() schema.Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *Tracker) set(snap store.Snapshot, seq uint64) {
	next := Compute(snap, t.now())
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq < t.applied {
		return
	}
	t.applied = seq
	next.TotalAlerts = t.totalAlerts
	next.UnreadAlerts = t.unreadAlerts
	t.current = next
}
