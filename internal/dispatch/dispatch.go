// Package dispatch hands finalized connections to the configured sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/logger"
	"github.com/loykin/connlog/internal/metrics"
	"github.com/loykin/connlog/internal/rotate"
	"github.com/loykin/connlog/internal/sink"
	"github.com/loykin/connlog/internal/sink/natspub"
	"github.com/loykin/connlog/internal/sink/sqldb"
	"github.com/loykin/connlog/internal/stage"
)

// ErrRotateUnsupported is returned by Rotate when the sink has no file to roll over.
var ErrRotateUnsupported = errors.New("output does not support rotation")

// Config selects how records are rendered before they reach the sink.
type Config struct {
	// Output labels metrics and debug messages (stdout, file, database, remote).
	Output string
	// Encoding is empty for sinks that take structured rows.
	Encoding format.Encoding
	// Table is the INSERT target for the sql encoding.
	Table   string
	Timeout time.Duration
}

type Dispatcher struct {
	cfg   Config
	sink  sink.Sink
	debug *logger.Filter
	now   func() time.Time
}

// New returns a dispatcher writing to s. Failures are reported on debug,
// which may be nil.
func New(cfg Config, s sink.Sink, debug *logger.Filter) *Dispatcher {
	if cfg.Table == "" {
		cfg.Table = format.DefaultTable
	}
	return &Dispatcher{cfg: cfg, sink: s, debug: debug, now: time.Now}
}

func (d *Dispatcher) Config() Config { return d.cfg }

// Emit renders one finalized connection and sends it. Every failure is
// reported and returned; the caller decides whether to care.
func (d *Dispatcher) Emit(ctx context.Context, snap stage.Snapshot, meta stage.Meta) (err error) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			err = d.fail(meta.ID, "panic", fmt.Errorf("sink panicked: %v", r))
		}
	}()

	metrics.IncConnection(snap.Status.String())
	for _, e := range snap.Reached() {
		metrics.ObserveStageDuration(e.Stage.String(), e.Duration.Seconds())
	}

	payload, err := d.render(snap, meta)
	if err != nil {
		return d.fail(meta.ID, "render", err)
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	if err := d.sink.Send(ctx, sink.Entry{Snapshot: snap, Meta: meta, Payload: payload}); err != nil {
		return d.fail(meta.ID, reason(err), err)
	}

	metrics.IncRecord(d.cfg.Output, d.encodingLabel())
	metrics.ObserveEmitDuration(d.cfg.Output, d.now().Sub(start).Seconds())
	d.debug.Logf(logger.SevTrace, meta.ID, "logged connection (%s, %s)", d.cfg.Output, snap.Status)
	return nil
}

func (d *Dispatcher) render(snap stage.Snapshot, meta stage.Meta) ([]byte, error) {
	switch d.cfg.Encoding {
	case "":
		// structured sinks still reject a malformed key before any I/O
		_, err := format.ParseKey(meta.Key)
		return nil, err
	case format.SQL:
		return format.RenderSQL(d.cfg.Table, snap, meta)
	default:
		return format.Render(snap, meta, d.cfg.Encoding)
	}
}

func (d *Dispatcher) encodingLabel() string {
	if d.cfg.Encoding == "" {
		return "row"
	}
	return string(d.cfg.Encoding)
}

func (d *Dispatcher) fail(id uint64, why string, err error) error {
	metrics.IncEmitFailure(d.cfg.Output, why)
	d.debug.Logf(logger.SevError, id, "%s output failed (%s): %v", d.cfg.Output, why, err)
	return fmt.Errorf("emit connection %d: %w", id, err)
}

func reason(err error) string {
	switch {
	case errors.Is(err, sqldb.ErrNotConfigured), errors.Is(err, natspub.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, rotate.ErrClosed):
		return "closed"
	case errors.Is(err, format.ErrMalformedKey):
		return "render"
	default:
		return "send"
	}
}

// Rotate forces the connection log to roll over.
func (d *Dispatcher) Rotate() error {
	r, ok := d.sink.(sink.Rotator)
	if !ok {
		d.debug.Logf(logger.SevInfo, 0, "rotate requested but %s output has nothing to rotate", d.cfg.Output)
		return ErrRotateUnsupported
	}
	if err := r.Rotate(); err != nil {
		d.debug.Logf(logger.SevError, 0, "rotate failed: %v", err)
		return err
	}
	return nil
}

func (d *Dispatcher) Close() error {
	return d.sink.Close()
}
