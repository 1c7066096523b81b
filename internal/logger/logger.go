package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted by SlogConfig.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig configures the operational logger used by the CLI and the admin server.
type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes where the debug channel is written.
// If File is empty the debug channel goes to the stream passed to NewFilter.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`         // log directory, must exist
	File       string `mapstructure:"debug_file"`  // debug file name, relative to Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config groups the operational logger, the debug file and the debug threshold.
type Config struct {
	Slog     SlogConfig
	File     FileConfig
	MinLevel Severity
}

// NewSlogger builds the operational logger writing to stderr.
func (c Config) NewSlogger() *slog.Logger {
	return c.Slog.New(os.Stderr)
}

// New builds a slog.Logger on w according to the configuration.
func (c SlogConfig) New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(c.Level),
		AddSource: c.Source,
	}
	if !c.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch c.Format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		if c.Color {
			return slog.New(NewColorTextHandler(w, opts, c.TimeStamps))
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// DebugWriter returns the rotating writer for the debug file, or nil when no
// debug file is configured. A missing log directory is an error.
func (c FileConfig) DebugWriter() (io.WriteCloser, error) {
	if c.File == "" {
		return nil, nil
	}
	path := c.File
	if c.Dir != "" && !filepath.IsAbs(path) {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return nil, fmt.Errorf("debug log directory %s: %w", c.Dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("debug log directory %s: not a directory", c.Dir)
		}
		path = filepath.Join(c.Dir, path)
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// NewFilter builds the debug channel. It writes to the configured debug file,
// falling back to stream when none is set.
func (c Config) NewFilter(stream io.Writer, opts ...FilterOption) (*Filter, error) {
	w, err := c.File.DebugWriter()
	if err != nil {
		return nil, err
	}
	if w == nil {
		return NewFilter(stream, c.MinLevel, opts...), nil
	}
	f := NewFilter(w, c.MinLevel, opts...)
	f.closer = w
	return f, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
