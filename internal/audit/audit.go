// Package audit is this server's replacement for the CEF-flavored audit
// sink the rendezvous protocol treats as an external collaborator: a
// structured event log, with an optional SQLite-backed trail for
// operators reviewing past filter and channel-service decisions.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Severity mirrors the handful of levels the original CEF sink used.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) slogLevel() slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is the Go-native analogue of log_cef(msg, severity, environ,
// config, msg=...): one audit-worthy occurrence from the filter or the
// channel service.
type Event struct {
	Severity Severity
	Name     string
	Message  string
	IP       string
	Fields   map[string]any
}

// Sink is what the filter and channel service depend on to report
// audit events, without coupling either to a concrete backend.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SlogSink logs every event as a structured log/slog record. It is
// always active — the direct replacement for the external CEF sink.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger (or slog.Default() if nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, ev Event) {
	args := make([]any, 0, 2+2*len(ev.Fields))
	args = append(args, "ip", ev.IP, "event", ev.Name)
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}
	s.logger.Log(ctx, ev.Severity.slogLevel(), ev.Message, args...)
}

// Multi fans one Emit call out to several sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

func fieldsToJSON(fields map[string]any) string {
	if len(fields) == 0 {
		return "{}"
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(b)
}
