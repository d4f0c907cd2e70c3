// Package notify defines the transient user notifications (toasts) raised
// by the pipeline and a plain-text renderer for them.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Level is the visual urgency of a toast.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Toast is a short-lived notification.
type Toast struct {
	Level    Level
	Title    string
	Message  string
	Duration time.Duration
	EventID  string
	Raised   time.Time
}

// Notifier displays toasts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Toast)

// Notify calls f.
func (f NotifierFunc) Notify(t Toast) {
	f(t)
}

// Discard drops every toast.
var Discard Notifier = NotifierFunc(func(Toast) {})

// Writer renders toasts as single lines on an io.Writer.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter returns a Writer printing to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Notify prints one line per toast.
func (w *Writer) Notify(t Toast) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := t.Raised
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s [%-7s] %s", ts.UTC().Format(time.RFC3339), t.Level, t.Title)
	if t.Message != "" {
		line += ": " + t.Message
	}
	_, _ = fmt.Fprintln(w.out, line)
}
