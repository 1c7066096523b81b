package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/connlog/internal/clock"
	"github.com/loykin/connlog/internal/metrics"
)

// Severity orders debug events; lower is more important. An event passes the
// filter when its severity is at or below the configured minimum.
type Severity int

const (
	SevError Severity = iota + 1
	SevWarn
	SevInfo
	SevDebug
	SevTrace
)

// LevelTrace is the slog level of SevTrace events.
const LevelTrace = slog.Level(-8)

// IDKey is the attribute carrying the connection id of a debug event.
const IDKey = "id"

// Level maps s onto the slog scale: SevError is slog.LevelError, each step
// down the severity ladder is one slog step (4) more verbose.
func (s Severity) Level() slog.Level {
	return slog.Level(12 - 4*int(s))
}

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarn:
		return "warn"
	case SevInfo:
		return "info"
	case SevDebug:
		return "debug"
	case SevTrace:
		return "trace"
	default:
		return strconv.Itoa(int(s))
	}
}

// ParseSeverity accepts a number (1-5) or a name.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(SevError) || n > int(SevTrace) {
			return 0, fmt.Errorf("severity %d out of range 1-5", n)
		}
		return Severity(n), nil
	}
	for sev := SevError; sev <= SevTrace; sev++ {
		if sev.String() == s {
			return sev, nil
		}
	}
	if s == "warning" {
		return SevWarn, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// LineHandler is a slog.Handler rendering "timestamp;id;message" lines.
// Attributes other than the id are appended as key=value pairs.
// Each record is written with a single Write under a mutex shared by all
// handlers derived from the same root.
type LineHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	min   slog.Leveler
	clock clock.Clock
	id    string
	attrs []slog.Attr
	group string
}

// NewLineHandler writes records at or above min to w.
func NewLineHandler(w io.Writer, min slog.Leveler, c clock.Clock) *LineHandler {
	if c == nil {
		c = clock.System{}
	}
	return &LineHandler{mu: &sync.Mutex{}, w: w, min: min, clock: c, id: "0"}
}

func (h *LineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.min.Level()
}

func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	id := h.id
	var extra []slog.Attr
	extra = append(extra, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == IDKey && h.group == "" {
			id = a.Value.String()
			return true
		}
		extra = append(extra, h.qualify(a))
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = h.clock.Now()
	}
	var b strings.Builder
	b.WriteString(clock.Timestamp(ts))
	b.WriteByte(';')
	b.WriteString(id)
	b.WriteByte(';')
	msg := strings.TrimRight(r.Message, "\n")
	b.WriteString(msg)
	for _, a := range extra {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == IDKey && h.group == "" {
			nh.id = a.Value.String()
			continue
		}
		nh.attrs = append(nh.attrs, h.qualify(a))
	}
	return &nh
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.group != "" {
		nh.group = h.group + "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func (h *LineHandler) qualify(a slog.Attr) slog.Attr {
	if h.group != "" {
		a.Key = h.group + "." + a.Key
	}
	return a
}

// Filter is the debug channel: it drops events above its minimum severity and
// renders the rest as one line each.
type Filter struct {
	h      *LineHandler
	min    Severity
	log    *slog.Logger
	closer io.Closer
}

// NewFilter builds a filter writing to w with threshold min.
func NewFilter(w io.Writer, min Severity, opts ...FilterOption) *Filter {
	f := &Filter{min: min}
	o := filterOptions{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	f.h = NewLineHandler(w, min.Level(), o.clock)
	f.log = slog.New(f.h)
	return f
}

type filterOptions struct {
	clock clock.Clock
}

// FilterOption customizes NewFilter.
type FilterOption func(*filterOptions)

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.Clock) FilterOption {
	return func(o *filterOptions) { o.clock = c }
}

// Discard returns a filter that drops every event.
func Discard() *Filter {
	return NewFilter(io.Discard, 0)
}

// Enabled reports whether events of severity sev are written.
func (f *Filter) Enabled(sev Severity) bool {
	return f != nil && sev <= f.min
}

// Log writes message for connection id when sev passes the threshold.
func (f *Filter) Log(message string, sev Severity, id uint64) {
	if !f.Enabled(sev) {
		metrics.IncDebugEvent("dropped")
		return
	}
	f.write(sev, id, message)
}

// Logf is Log with deferred formatting: nothing is rendered for dropped events.
func (f *Filter) Logf(sev Severity, id uint64, format string, args ...any) {
	if !f.Enabled(sev) {
		metrics.IncDebugEvent("dropped")
		return
	}
	f.write(sev, id, fmt.Sprintf(format, args...))
}

func (f *Filter) write(sev Severity, id uint64, message string) {
	r := slog.NewRecord(f.h.clock.Now(), sev.Level(), message, 0)
	r.AddAttrs(slog.Uint64(IDKey, id))
	if err := f.h.Handle(context.Background(), r); err != nil {
		metrics.IncDebugEvent("failed")
		return
	}
	metrics.IncDebugEvent("written")
}

// Slog exposes the filter as a slog.Logger for components that log
// structured attributes. Levels are filtered by the same threshold.
func (f *Filter) Slog() *slog.Logger {
	if f == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.log
}

// Close releases the debug file, if the filter owns one.
func (f *Filter) Close() error {
	if f == nil || f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
