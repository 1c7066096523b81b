// Package sqldb executes rendered INSERT statements against SQLite
// (modernc.org/sqlite) or Postgres (pgx stdlib). The connection is opened on
// first use, checked with a ping before every statement and re-established at
// most once per statement.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/sink"
)

// ErrNotConfigured is returned while the database settings are incomplete.
var ErrNotConfigured = errors.New("database is not configured")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds connection parameters. Postgres needs Host, User, Password
// and Name; SQLite needs Path (":memory:" is accepted).
type Config struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Path     string `mapstructure:"path"`
	Table    string `mapstructure:"table"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Check reports which settings are missing.
func (c Config) Check() error {
	var missing []string
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			missing = append(missing, "path")
		}
	case DriverPostgres, "":
		for _, kv := range [][2]string{{"host", c.Host}, {"user", c.User}, {"password", c.Password}, {"name", c.Name}} {
			if kv[1] == "" {
				missing = append(missing, kv[0])
			}
		}
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrNotConfigured, c.Driver)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// TableName is the configured table or format.DefaultTable.
func (c Config) TableName() string {
	if c.Table == "" {
		return format.DefaultTable
	}
	return c.Table
}

func (c Config) dsn() (driver, dsn string) {
	if c.Driver == DriverSQLite {
		return "sqlite", c.Path
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	mode := c.SSLMode
	if mode == "" {
		mode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     host,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(mode),
	}
	return "pgx", u.String()
}

// Sink runs each payload as one statement.
type Sink struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// New returns a sink for cfg. Nothing is checked or dialed until Send.
func New(cfg Config, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Sink{cfg: cfg, log: log}
}

func (s *Sink) Send(ctx context.Context, e sink.Entry) error {
	if err := s.cfg.Check(); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, string(e.Payload)); err != nil {
		return fmt.Errorf("insert connection %d: %w", e.Meta.ID, err)
	}
	return nil
}

// conn returns a live handle: open lazily, ping, and on a failed ping close
// and dial once more.
func (s *Sink) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.PingContext(ctx)
		if err == nil {
			return s.db, nil
		}
		s.log.Warn("database connection has gone away, reconnecting", "driver", s.cfg.Driver, "error", err)
		_ = s.db.Close()
		s.db = nil
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s.db = db
	return db, nil
}

func (s *Sink) open(ctx context.Context) (*sql.DB, error) {
	drv, dsn := s.cfg.dsn()
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, err
	}
	if drv == "sqlite" {
		// every pooled connection to :memory: would be a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db, s.cfg.Driver, s.cfg.TableName()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver, table string) error {
	id, num, big := "BIGSERIAL PRIMARY KEY", "DOUBLE PRECISION", "BIGINT"
	if driver == DriverSQLite {
		id, num, big = "INTEGER PRIMARY KEY AUTOINCREMENT", "REAL", "INTEGER"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + `(
			id ` + id + `,
			start_time ` + num + ` NOT NULL,
			duration ` + num + ` NOT NULL,
			uplink_mark INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			src_ip TEXT NOT NULL,
			src_port TEXT NOT NULL,
			dst_ip TEXT NOT NULL,
			dst_port TEXT NOT NULL,
			total_packets ` + big + ` NOT NULL,
			total_bytes ` + big + ` NOT NULL,
			status TEXT NOT NULL,
			conn_id ` + big + ` NOT NULL,
			init TEXT NOT NULL,
			decision TEXT NOT NULL,
			replay TEXT NOT NULL,
			forward TEXT NOT NULL,
			proxy TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + strings.ReplaceAll(table, ".", "_") + `_conn_id ON ` + table + `(conn_id);`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
