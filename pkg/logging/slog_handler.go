package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/psaab/dhcp6d/pkg/config"
)

// Sink is a log destination fed by SyslogSlogHandler. *SyslogClient and
// *LocalLogWriter implement it.
type Sink interface {
	ShouldSend(severity int) bool
	Send(severity int, msg string) error
	Close() error
}

// NewSinks opens every destination in cfg. A nil cfg yields none. On error
// the sinks opened so far are closed.
func NewSinks(cfg *config.SystemSyslogConfig) ([]Sink, error) {
	if cfg == nil {
		return nil, nil
	}
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}
	for _, h := range cfg.Hosts {
		c, err := NewSyslogClient(h.Address, h.Port)
		if err != nil {
			return fail(err)
		}
		c.Facility = ParseFacility(h.Facility)
		c.MinSeverity = ParseSeverity(h.Severity)
		sinks = append(sinks, c)
	}
	for _, f := range cfg.Files {
		w, err := NewLocalLogWriter(LocalLogConfig{Path: f.Path, MaxSize: f.MaxSize, MaxFiles: f.MaxFiles})
		if err != nil {
			return fail(fmt.Errorf("log file %s: %w", f.Path, err))
		}
		w.MinSeverity = ParseSeverity(f.Severity)
		sinks = append(sinks, w)
	}
	return sinks, nil
}

// sinkSet is shared by a handler and every handler derived from it through
// WithAttrs/WithGroup, so SetSinks reaches all of them.
type sinkSet struct {
	mu    sync.RWMutex
	sinks []Sink
}

// SyslogSlogHandler is an slog.Handler that forwards log records to remote
// syslog servers and log files in addition to a wrapped base handler
// (typically stderr).
type SyslogSlogHandler struct {
	base   slog.Handler
	set    *sinkSet
	attrs  []slog.Attr
	groups []string
}

// NewSyslogSlogHandler wraps a base slog.Handler with syslog forwarding.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, set: &sinkSet{}}
}

// SetSinks replaces the destinations. Old sinks are closed.
func (h *SyslogSlogHandler) SetSinks(sinks []Sink) {
	h.set.mu.Lock()
	old := h.set.sinks
	h.set.sinks = sinks
	h.set.mu.Unlock()

	for _, s := range old {
		s.Close()
	}
}

// Close closes all sinks.
func (h *SyslogSlogHandler) Close() error {
	h.set.mu.Lock()
	sinks := h.set.sinks
	h.set.sinks = nil
	h.set.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Enabled implements slog.Handler.
func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.set.mu.RLock()
	sinks := h.set.sinks
	h.set.mu.RUnlock()

	if len(sinks) == 0 {
		return err
	}
	severity := slogLevelToSyslog(r.Level)
	msg := formatRecord(r, h.attrs, h.groups)
	for _, s := range sinks {
		if s.ShouldSend(severity) {
			s.Send(severity, msg)
		}
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		prefixed[i] = slog.Attr{Key: groupKey(h.groups, a.Key), Value: a.Value}
	}
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		set:    h.set,
		attrs:  append(append([]slog.Attr{}, h.attrs...), prefixed...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		set:    h.set,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// slogLevelToSyslog maps slog levels to syslog severity values.
func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

func groupKey(groups []string, key string) string {
	if len(groups) == 0 {
		return key
	}
	return strings.Join(groups, ".") + "." + key
}

// formatRecord produces a compact text representation of a log record.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%s", groupKey(groups, a.Key), a.Value.String())
		return true
	})
	return b.String()
}
