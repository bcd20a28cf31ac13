// Package analytics delivers the per-call terminal record to downstream
// consumers. This system only produces the record; CRM and QC processing
// happen elsewhere.
package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/pkg/core/call"
)

// Sink receives one record per finished call.
type Sink interface {
	// Write persists or forwards the record. Implementations must not
	// block the caller indefinitely; the context bounds the attempt.
	Write(ctx context.Context, rec call.Record) error
}

// LogSink writes records as structured log lines. It is the default sink
// and the fallback when no store is configured.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a sink logging through the given logger, or the
// default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, rec call.Record) error {
	s.Logger.Info("call record",
		"call_id", rec.CallID,
		"reason", rec.Reason.String(),
		"duration", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond),
		"turns", len(rec.Transcript),
		"node_path", rec.NodePath,
		"variables", rec.Variables,
		"checkins", rec.CheckinCount,
	)
	return nil
}

// Fanout delivers each record to every sink, logging failures instead of
// propagating them so one broken sink cannot lose the others' copies.
type Fanout struct {
	Sinks  []Sink
	Logger *slog.Logger
}

// NewFanout combines sinks. A nil logger falls back to the default.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{Sinks: sinks, Logger: logger}
}

// Write implements Sink.
func (f *Fanout) Write(ctx context.Context, rec call.Record) error {
	for _, s := range f.Sinks {
		if err := s.Write(ctx, rec); err != nil {
			f.Logger.Error("analytics sink write failed", "call_id", rec.CallID, "error", err)
		}
	}
	return nil
}
