// Package connlog records the lifecycle of network connections: which
// processing stages each connection reached, how long each took and how much
// traffic it carried, written as one line (or row, or document) per
// connection when it ends.
package connlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/connlog/internal/clock"
	"github.com/loykin/connlog/internal/config"
	"github.com/loykin/connlog/internal/dispatch"
	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/logger"
	"github.com/loykin/connlog/internal/metrics"
	iapi "github.com/loykin/connlog/internal/server"
	"github.com/loykin/connlog/internal/sink/factory"
	"github.com/loykin/connlog/internal/stage"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Record = stage.Record

type Snapshot = stage.Snapshot

type Meta = stage.Meta

type Stage = stage.Stage

type Severity = logger.Severity

type Encoding = format.Encoding

const (
	Text = format.Text
	CSV  = format.CSV
	SQL  = format.SQL
	JSON = format.JSON
)

const (
	Init     = stage.Init
	Decision = stage.Decision
	Replay   = stage.Replay
	Forward  = stage.Forward
	Proxy    = stage.Proxy
	Drop     = stage.Drop
)

const (
	SevError = logger.SevError
	SevWarn  = logger.SevWarn
	SevInfo  = logger.SevInfo
	SevDebug = logger.SevDebug
	SevTrace = logger.SevTrace
)

// NewRecord starts tracking a connection first seen at start.
func NewRecord(id uint64, key string, proto uint8, start time.Time) *Record {
	return stage.NewRecord(id, key, proto, start)
}

// Finalize computes the lifecycle snapshot of r without writing it.
func Finalize(r *Record) Snapshot { return stage.Finalize(*r) }

// Render finalizes r and renders it in enc without writing it anywhere.
func Render(r *Record, enc Encoding) ([]byte, error) {
	return format.Render(stage.Finalize(*r), r.Meta, enc)
}

// ParseEncoding accepts text, csv, sql and json; "" means text.
func ParseEncoding(s string) (Encoding, error) { return format.ParseEncoding(s) }

// Logger ties together the debug channel and the connection output.
// It is safe for concurrent use.
type Logger struct {
	cfg   Config
	debug *logger.Filter
	disp  *dispatch.Dispatcher
}

type options struct {
	stdout io.Writer
	clock  clock.Clock
}

// Option customizes New.
type Option func(*options)

// WithStdout replaces os.Stdout for the stdout output and the default debug channel.
func WithStdout(w io.Writer) Option { return func(o *options) { o.stdout = w } }

// WithClock sets the clock used for debug timestamps and rotation.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// LoadConfig reads a TOML configuration file; "" yields the defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return config.Default() }

// ApplyDSN points cfg at the database, OpenSearch or NATS destination named by dsn.
func ApplyDSN(cfg *Config, dsn string) error { return factory.ApplyDSN(cfg, dsn) }

// New opens the debug channel and the configured output. A connection log
// file that cannot be opened is fatal; the other outputs connect on first
// emit.
func New(cfg Config, opts ...Option) (*Logger, error) {
	o := options{stdout: os.Stdout, clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lc := cfg.Logger()
	debug, err := lc.NewFilter(o.stdout, logger.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	s, dc, err := factory.New(cfg, factory.Env{Stdout: o.stdout, Log: debug.Slog(), Clock: o.clock})
	if err != nil {
		_ = debug.Close()
		return nil, err
	}
	return &Logger{cfg: cfg, debug: debug, disp: dispatch.New(dc, s, debug)}, nil
}

// Finalize computes the lifecycle of r and writes it out.
func (l *Logger) Finalize(ctx context.Context, r *Record) error {
	return l.disp.Emit(ctx, stage.Finalize(*r), r.Meta)
}

// Emit writes an already finalized connection.
func (l *Logger) Emit(ctx context.Context, snap Snapshot) error {
	return l.disp.Emit(ctx, snap, snap.Meta)
}

// Debug writes message for connection id on the debug channel when sev passes the threshold.
func (l *Logger) Debug(sev Severity, id uint64, message string) { l.debug.Log(message, sev, id) }

// Debugf is Debug with deferred formatting.
func (l *Logger) Debugf(sev Severity, id uint64, format string, args ...any) {
	l.debug.Logf(sev, id, format, args...)
}

// Slog exposes the debug channel as a structured logger.
func (l *Logger) Slog() *slog.Logger { return l.debug.Slog() }

// Rotate rolls the connection log over now. Outputs without a file return
// an error wrapping dispatch.ErrRotateUnsupported.
func (l *Logger) Rotate() error { return l.disp.Rotate() }

// Output describes where records go and how they are encoded.
func (l *Logger) Output() dispatch.Config { return l.disp.Config() }

// Config returns the configuration the logger was built from.
func (l *Logger) Config() Config { return l.cfg }

// Close flushes and closes the output, then the debug channel.
func (l *Logger) Close() error {
	return errors.Join(l.disp.Close(), l.debug.Close())
}

// ErrRotateUnsupported is returned by Rotate for outputs without a file.
var ErrRotateUnsupported = dispatch.ErrRotateUnsupported

// NewHTTPServer starts an HTTP server exposing the admin API for l.
func NewHTTPServer(addr, basePath string, l *Logger) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, l)
}

// Handler returns the admin API as an embeddable handler.
func (l *Logger) Handler(basePath string) http.Handler {
	return iapi.NewRouter(l, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
