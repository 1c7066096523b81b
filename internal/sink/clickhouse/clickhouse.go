package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/sink"
	"github.com/loykin/connlog/internal/sink/sqldb"
)

// DefaultPort is the ClickHouse native protocol port.
const DefaultPort = 9000

// Sink inserts structured rows into a MergeTree table using the official
// ClickHouse Go client. Like the SQL sink it dials on first use, pings before
// every insert and reconnects at most once.
type Sink struct {
	cfg sqldb.Config
	log *slog.Logger

	mu   sync.Mutex
	conn driver.Conn
}

// New returns a sink for cfg. Database defaults to "default" and User to
// "default"; Host is required.
func New(cfg sqldb.Config, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sink{cfg: cfg, log: log}
}

func (s *Sink) check() error {
	if s.cfg.Host == "" {
		return fmt.Errorf("%w: missing host", sqldb.ErrNotConfigured)
	}
	return nil
}

func (s *Sink) options() *clickhouse.Options {
	port := s.cfg.Port
	if port <= 0 {
		port = DefaultPort
	}
	db, user := s.cfg.Name, s.cfg.User
	if db == "" {
		db = "default"
	}
	if user == "" {
		user = "default"
	}
	return &clickhouse.Options{
		Addr: []string{net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))},
		Auth: clickhouse.Auth{
			Database: db,
			Username: user,
			Password: s.cfg.Password,
		},
	}
}

func (s *Sink) connect(ctx context.Context) (driver.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Ping(ctx)
		if err == nil {
			return s.conn, nil
		}
		s.log.Warn("clickhouse connection has gone away, reconnecting", "error", err)
		_ = s.conn.Close()
		s.conn = nil
	}
	conn, err := clickhouse.Open(s.options())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, createTable(s.cfg.TableName())); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func createTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		start_time DateTime64(6),
		duration Float64,
		uplink_mark Int32,
		protocol LowCardinality(String),
		src_ip String,
		src_port String,
		dst_ip String,
		dst_port String,
		total_packets UInt64,
		total_bytes UInt64,
		status LowCardinality(String),
		conn_id UInt64,
		init String,
		decision String,
		replay String,
		forward String,
		proxy String
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(start_time)
	ORDER BY (start_time, conn_id)`
}

func (s *Sink) Send(ctx context.Context, e sink.Entry) error {
	if err := s.check(); err != nil {
		return err
	}
	row, err := format.NewRow(e.Snapshot, e.Meta)
	if err != nil {
		return err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	// ClickHouse assigns no surrogate id; the column list skips it.
	cols := format.Columns[1:]
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.cfg.TableName(), strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	err = conn.Exec(ctx, query,
		row.StartTime,
		row.Duration.Seconds(),
		int32(row.UplinkMark),
		row.Protocol,
		row.Key.SrcIP,
		row.Key.SrcPort,
		row.Key.DstIP,
		row.Key.DstPort,
		row.TotalPackets,
		row.TotalBytes,
		row.Status,
		row.ID,
		row.Stages[0], row.Stages[1], row.Stages[2], row.Stages[3], row.Stages[4],
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
