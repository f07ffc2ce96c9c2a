// Package notify defines the toast-equivalent notification sink the sync
// subsystem uses for non-fatal warnings and drain failure summaries.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity classifies a user-visible notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a single user-visible notification.
type Event struct {
	Severity Severity
	Message  string
}

// Sink receives user-visible notifications. Implementations must be cheap;
// the subsystem calls a sink at most a few times per drain cycle.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// LogSink routes notifications to the structured log. It is the default sink
// when no UI bridge is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a Sink backed by the provided logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, event Event) {
	fields := []zap.Field{zap.String("severity", string(event.Severity))}
	switch event.Severity {
	case SeverityError:
		s.logger.Error(event.Message, fields...)
	case SeverityWarning:
		s.logger.Warn(event.Message, fields...)
	default:
		s.logger.Info(event.Message, fields...)
	}
}

// DebouncedSink suppresses repeats of the same message within a window so
// automatic autosave ticks cannot flood the UI with identical warnings.
type DebouncedSink struct {
	inner  Sink
	window time.Duration
	clock  func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// DebouncedSinkConfig carries the settings for a DebouncedSink.
type DebouncedSinkConfig struct {
	Inner  Sink
	Window time.Duration
	Clock  func() time.Time
}

const defaultDebounceWindow = time.Minute

// NewDebouncedSink wraps a sink with per-message debouncing.
func NewDebouncedSink(cfg DebouncedSinkConfig) *DebouncedSink {
	window := cfg.Window
	if window <= 0 {
		window = defaultDebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	inner := cfg.Inner
	if inner == nil {
		inner = NewLogSink(nil)
	}
	return &DebouncedSink{
		inner:    inner,
		window:   window,
		clock:    clock,
		lastSeen: make(map[string]time.Time),
	}
}

// Notify implements Sink, dropping messages emitted again inside the window.
func (s *DebouncedSink) Notify(ctx context.Context, event Event) {
	now := s.clock()

	s.mu.Lock()
	last, seen := s.lastSeen[event.Message]
	if seen && now.Sub(last) < s.window {
		s.mu.Unlock()
		return
	}
	s.lastSeen[event.Message] = now
	s.mu.Unlock()

	s.inner.Notify(ctx, event)
}
