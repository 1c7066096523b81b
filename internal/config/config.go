package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/connlog/internal/cron"
	"github.com/loykin/connlog/internal/env"
	"github.com/loykin/connlog/internal/format"
	"github.com/loykin/connlog/internal/logger"
	"github.com/loykin/connlog/internal/rotate"
	"github.com/loykin/connlog/internal/sink/natspub"
	"github.com/loykin/connlog/internal/sink/opensearch"
	"github.com/loykin/connlog/internal/sink/sqldb"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Output modes.
const (
	OutputStdout   = "stdout"
	OutputFile     = "file"
	OutputDatabase = "database"
	OutputRemote   = "remote"
	OutputNATS     = "nats"
)

// DriverClickHouse selects the ClickHouse sink; the SQL drivers are in sqldb.
const DriverClickHouse = "clickhouse"

// DefaultDatabaseTimeout bounds one database emit.
const DefaultDatabaseTimeout = 2 * time.Second

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles []string          `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool              `toml:"use_os_env" mapstructure:"use_os_env"`
	Log      LogConfig         `toml:"log" mapstructure:"log"`
	Logging  logger.SlogConfig `toml:"logging" mapstructure:"logging"`
	Database DatabaseConfig    `toml:"database" mapstructure:"database"`
	Remote   opensearch.Config `toml:"remote" mapstructure:"remote"`
	NATS     natspub.Config    `toml:"nats" mapstructure:"nats"`
	Metrics  MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Admin    AdminConfig       `toml:"admin" mapstructure:"admin"`
}

// LogConfig is the [log] section: where connection records and the debug
// channel go.
type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	DebugFile  string `toml:"debug_file" mapstructure:"debug_file"`
	DebugLevel string `toml:"debug_level" mapstructure:"debug_level"`
	Output     string `toml:"output" mapstructure:"output"`
	Format     string `toml:"format" mapstructure:"format"`
	Rotation   bool   `toml:"rotation" mapstructure:"rotation"`

	// RotateSchedule is an optional cron expression that forces a rotation
	// of the file output, e.g. "@daily" or "0 */6 * * *".
	RotateSchedule string `toml:"rotate_schedule" mapstructure:"rotate_schedule"`

	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type DatabaseConfig struct {
	sqldb.Config `mapstructure:",squash"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type AdminConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Log: LogConfig{
			Dir:        ".",
			File:       "connections.log",
			DebugLevel: logger.SevInfo.String(),
			Output:     OutputStdout,
			Format:     string(format.Text),
		},
		Logging: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText},
		Database: DatabaseConfig{
			Config:  sqldb.Config{Driver: sqldb.DriverSQLite, Table: format.DefaultTable},
			Timeout: DefaultDatabaseTimeout,
		},
		Remote: opensearch.Config{Index: opensearch.DefaultIndex, Timeout: 5 * time.Second},
		NATS:   natspub.Config{Subject: natspub.DefaultSubject},
		Admin:  AdminConfig{BasePath: "/api"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", false)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.debug_file", "")
	v.SetDefault("log.debug_level", d.Log.DebugLevel)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.rotation", false)
	v.SetDefault("log.rotate_schedule", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", string(d.Logging.Format))
	v.SetDefault("logging.color", false)
	v.SetDefault("logging.timestamps", true)
	v.SetDefault("logging.source", false)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.path", "")
	v.SetDefault("database.table", d.Database.Table)
	v.SetDefault("database.sslmode", "")
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.index", d.Remote.Index)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", d.NATS.Subject)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("admin.listen", "")
	v.SetDefault("admin.base_path", d.Admin.BasePath)
}

// Load reads a TOML file. Every key may be overridden from the environment
// as CONNLOG_<SECTION>_<KEY>. Database, remote and nats settings may reference
// ${VAR} from env_files (and the OS environment when use_os_env is set).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("connlog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	if err := c.expand(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks settings that must hold at startup. Database credentials
// are deliberately not checked here: the database sink checks them on every
// emit so a later fix to the environment takes effect.
func (c Config) Validate() error {
	var errs []string
	switch c.Log.Output {
	case OutputStdout, OutputFile, OutputDatabase, OutputRemote, OutputNATS:
	default:
		errs = append(errs, fmt.Sprintf("log.output %q must be one of stdout, file, database, remote, nats", c.Log.Output))
	}
	if enc, err := format.ParseEncoding(c.Log.Format); err != nil || (enc != format.Text && enc != format.CSV) {
		errs = append(errs, fmt.Sprintf("log.format %q must be text or csv", c.Log.Format))
	}
	if _, err := logger.ParseSeverity(c.Log.DebugLevel); err != nil {
		errs = append(errs, "log.debug_level: "+err.Error())
	}
	if c.Log.Output == OutputFile && c.Log.File == "" {
		errs = append(errs, "log.file is required for file output")
	}
	if c.Log.RotateSchedule != "" {
		if c.Log.Output != OutputFile {
			errs = append(errs, "log.rotate_schedule needs file output")
		} else if err := cron.Validate(c.Log.RotateSchedule); err != nil {
			errs = append(errs, "log.rotate_schedule: "+err.Error())
		}
	}
	if c.Log.Output == OutputDatabase {
		switch c.Database.Driver {
		case sqldb.DriverSQLite, sqldb.DriverPostgres, DriverClickHouse:
		default:
			errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite, postgres or clickhouse", c.Database.Driver))
		}
	}
	if c.Database.Timeout < 0 {
		errs = append(errs, "database.timeout must not be negative")
	}
	if c.Log.Output == OutputRemote && c.Remote.URL == "" {
		errs = append(errs, "remote.url is required for remote output")
	}
	if c.Log.Output == OutputNATS && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required for nats output")
	}
	if c.Admin.BasePath != "" && !strings.HasPrefix(c.Admin.BasePath, "/") {
		errs = append(errs, "admin.base_path must start with /")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Encoding is the configured text encoding for stdout and file output.
func (c Config) Encoding() format.Encoding {
	enc, err := format.ParseEncoding(c.Log.Format)
	if err != nil {
		return format.Text
	}
	return enc
}

// Severity is the debug channel threshold; invalid values fall back to info.
func (c Config) Severity() logger.Severity {
	s, err := logger.ParseSeverity(c.Log.DebugLevel)
	if err != nil {
		return logger.SevInfo
	}
	return s
}

// Logger builds the logger configuration: operational slog settings plus the
// debug channel file under the log directory.
func (c Config) Logger() logger.Config {
	return logger.Config{
		Slog: c.Logging,
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			File:       c.Log.DebugFile,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
		MinLevel: c.Severity(),
	}
}

// Rotate is the connection log file configuration.
func (c Config) Rotate() rotate.Config {
	return rotate.Config{Dir: c.Log.Dir, Name: c.Log.File, Rotation: c.Log.Rotation}
}

// expand resolves ${VAR} references in credentials and endpoints. Values
// without "${" are left alone so a literal $ in a password survives.
func (c *Config) expand() error {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return err
		}
	}
	for _, s := range []*string{
		&c.Database.Host, &c.Database.User, &c.Database.Password,
		&c.Database.Name, &c.Database.Path, &c.Remote.URL, &c.NATS.URL,
	} {
		*s = e.Expand(*s)
	}
	return nil
}
