// Package telemetry reports anonymous usage events. It never holds
// global mutable state — every caller constructs its own Reporter and
// threads it through explicitly, so tests never have to reset a package
// singleton between runs.
package telemetry

import (
	"context"
	"log/slog"
)

// Event names one usage signal.
type Event struct {
	Name       string
	Algorithm  string
	DurationMS int64
	RowsDiffed int64
	Error      bool
}

// Reporter receives Events. The no-op implementation is always safe to
// use; --no-tracking wires it in place of a real reporter instead of
// special-casing "disabled" at every call site.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// NoopReporter discards every event.
type NoopReporter struct{}

func (NoopReporter) Report(ctx context.Context, ev Event) {}

// LogReporter writes events through slog, the one concrete
// implementation this repo ships — enough to prove the hook is wired
// without standing up an external collector.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, ev Event) {
	slog.Info("telemetry",
		"event", ev.Name,
		"algorithm", ev.Algorithm,
		"duration_ms", ev.DurationMS,
		"rows_diffed", ev.RowsDiffed,
		"error", ev.Error,
	)
}

// New returns LogReporter unless disabled is set (--no-tracking), in
// which case it returns NoopReporter.
func New(disabled bool) Reporter {
	if disabled {
		return NoopReporter{}
	}
	return LogReporter{}
}
