// Package obslog provides the three log streams spec.md §6 requires per
// device (main, raw inbound, process aggregate) on top of log/slog, the
// structured-logging package the corpus already standardizes on.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// SLogger abstracts the handful of methods this module calls on a logger,
// shaped after bassosimone-nop.SLogger so tests can inject a no-op or a
// recording implementation without depending on *slog.Logger directly.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Discard is the default SLogger: it drops everything, following the same
// "quiet unless configured" convention as bassosimone-nop.DefaultSLogger.
var Discard SLogger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// slogAdapter makes a *slog.Logger satisfy SLogger.
type slogAdapter struct{ l *slog.Logger }

func FromSlog(l *slog.Logger) SLogger { return slogAdapter{l: l} }

func (a slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

// Mode controls whether a log file is truncated or appended to, mirroring
// spec.md's LOGGER.MODE configuration key.
type Mode string

const (
	ModeWrite  Mode = "write"
	ModeAppend Mode = "append"
)

// Streams bundles the three log surfaces spec.md §6 describes for one
// device: Main carries state changes and command start/end, Raw carries
// every decoded chunk tagged with a direction marker, and Aggregate is the
// process-wide log every device's Main stream is also copied into.
type Streams struct {
	Main      SLogger
	Raw       SLogger
	Aggregate SLogger
}

// NewStreams builds a Streams value writing to w with HH:MM:SS.mmm
// timestamps, tagging every record with the given device name. Raw logging
// is only wired up when rawEnabled is true, matching LOGGER.RAW_LOG. Every
// record written to Main is also copied to Aggregate, so a process driving
// several devices against one shared Streams (config.BuildFactory's
// pattern) gets one merged feed of every device's state changes and
// command/event activity alongside each device's own Main stream.
func NewStreams(w io.Writer, device string, rawEnabled bool, level slog.Level) *Streams {
	handler := newTimeHandler(w, level)
	base := slog.New(handler).With(slog.String("device", device))

	aggregate := FromSlog(base.WithGroup("aggregate"))
	main := teeLogger{primary: FromSlog(base.WithGroup("main")), secondary: aggregate}

	var raw SLogger = Discard
	if rawEnabled {
		raw = FromSlog(base.WithGroup("raw"))
	}

	return &Streams{Main: main, Raw: raw, Aggregate: aggregate}
}

// MainInfo logs msg at info level on the Main stream. Command and Event use
// this (via the narrower RawLogger/MainLogger seams they depend on) to
// record command start/end and event fire without importing obslog
// directly.
func (s *Streams) MainInfo(msg string, args ...any) { s.Main.Info(msg, args...) }

// MainError logs msg at error level on the Main stream.
func (s *Streams) MainError(msg string, args ...any) { s.Main.Error(msg, args...) }

// teeLogger fans every call out to two SLoggers, used so Main's records
// also land on the shared Aggregate stream.
type teeLogger struct {
	primary   SLogger
	secondary SLogger
}

func (t teeLogger) Debug(msg string, args ...any) {
	t.primary.Debug(msg, args...)
	t.secondary.Debug(msg, args...)
}

func (t teeLogger) Info(msg string, args ...any) {
	t.primary.Info(msg, args...)
	t.secondary.Info(msg, args...)
}

func (t teeLogger) Warn(msg string, args ...any) {
	t.primary.Warn(msg, args...)
	t.secondary.Warn(msg, args...)
}

func (t teeLogger) Error(msg string, args ...any) {
	t.primary.Error(msg, args...)
	t.secondary.Error(msg, args...)
}

// Inbound logs a decoded chunk on the raw stream with the '<' direction
// marker spec.md §6 requires.
func (s *Streams) Inbound(text string) {
	s.Raw.Debug(strings.TrimRight("< "+text, "\n"))
}

// Outbound logs a command string being written with the '>' direction
// marker.
func (s *Streams) Outbound(text string) {
	s.Raw.Debug(strings.TrimRight("> "+text, "\n"))
}

// timeHandler wraps a slog.Handler to force HH:MM:SS.mmm timestamp
// formatting, replacing slog's default RFC3339 time attribute.
type timeHandler struct {
	slog.Handler
}

func newTimeHandler(w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceTime,
	}
	return &timeHandler{Handler: slog.NewTextHandler(w, opts)}
}

func replaceTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		t, ok := a.Value.Any().(time.Time)
		if ok {
			a.Value = slog.StringValue(t.Format("15:04:05.000"))
		}
	}
	return a
}

func (h *timeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &timeHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *timeHandler) WithGroup(name string) slog.Handler {
	return &timeHandler{Handler: h.Handler.WithGroup(name)}
}

func (h *timeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.Handler.Handle(ctx, r)
}
