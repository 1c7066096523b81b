// Package natspub publishes one JSON document per connection on a NATS
// subject. Publishing is fire and forget: the client buffers while it
// reconnects and nothing is acknowledged.
package natspub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/sink"
)

// DefaultSubject receives records when no subject is configured.
const DefaultSubject = "connlog.connections"

// ErrNotConfigured is returned while no server URL is set.
var ErrNotConfigured = errors.New("nats is not configured")

type Config struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Sink connects on first use and keeps the connection for later records.
type Sink struct {
	mu      sync.Mutex
	cfg     Config
	nc      *nats.Conn
	log     *slog.Logger
	timeout time.Duration
}

func New(cfg Config, log *slog.Logger) *Sink {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sink{cfg: cfg, log: log, timeout: 2 * time.Second}
}

func (s *Sink) conn() (*nats.Conn, error) {
	if s.nc != nil && !s.nc.IsClosed() {
		return s.nc, nil
	}
	if s.cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("connlog"),
		nats.Timeout(s.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	s.log.Info("connected to nats", "url", nc.ConnectedUrl(), "subject", s.cfg.Subject)
	s.nc = nc
	return nc, nil
}

func (s *Sink) Send(ctx context.Context, e sink.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := e.Payload
	if len(body) == 0 {
		b, err := format.Render(e.Snapshot, e.Meta, format.JSON)
		if err != nil {
			return err
		}
		body = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nc, err := s.conn()
	if err != nil {
		return err
	}
	return nc.Publish(s.cfg.Subject, body)
}

// Close flushes buffered records and closes the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil || s.nc.IsClosed() {
		s.nc = nil
		return nil
	}
	err := s.nc.Drain()
	s.nc = nil
	return err
}
