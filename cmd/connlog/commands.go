package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loykin/connlog"
	"github.com/loykin/connlog/internal/cron"
	"github.com/loykin/connlog/internal/metrics"
)

const maxLine = 1 << 20

func loadConfig(g GlobalFlags) (connlog.Config, error) {
	cfg, err := connlog.LoadConfig(g.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if g.DSN != "" {
		if err := connlog.ApplyDSN(&cfg, g.DSN); err != nil {
			return cfg, fmt.Errorf("invalid --dsn: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(filepath.Clean(path))
}

func createIngestCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &IngestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Log connection records read as JSON lines",
		Long: `Read one connection record per line (JSON), finalize it and write it to
the configured output. Malformed lines and failed emits are reported on the
debug channel and do not stop ingestion.

SIGUSR1 rotates the connection log file.

Examples:
  connlog ingest --config=connlog.toml --input=records.jsonl
  tail -F spool.jsonl | connlog ingest --admin-listen=:8081`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rotateCh := make(chan os.Signal, 1)
			notifyRotate(rotateCh)
			defer stopRotate(rotateCh)
			_, err := runIngest(cmd.Context(), *globalFlags, *flags,
				cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), rotateCh)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.Input, "input", "", "JSON-lines file to read (default stdin)")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&flags.AdminListen, "admin-listen", "", "serve the admin API on this address")
	return cmd
}

type ingestStats struct {
	Read    int
	Emitted int
	Failed  int
	Invalid int
}

func runIngest(ctx context.Context, g GlobalFlags, f IngestFlags, in io.Reader, out, errOut io.Writer, rotateCh <-chan os.Signal) (ingestStats, error) {
	var st ingestStats
	cfg, err := loadConfig(g)
	if err != nil {
		return st, err
	}
	if f.MetricsListen != "" {
		cfg.Metrics.Listen = f.MetricsListen
	}
	if f.AdminListen != "" {
		cfg.Admin.Listen = f.AdminListen
	}
	oplog := cfg.Logging.New(errOut)

	src, err := openInput(f.Input, in)
	if err != nil {
		return st, err
	}
	defer func() { _ = src.Close() }()

	if err := connlog.RegisterMetricsDefault(); err != nil {
		oplog.Warn("failed to register metrics", "error", err)
	}

	l, err := connlog.New(cfg, connlog.WithStdout(out))
	if err != nil {
		return st, err
	}
	defer func() {
		if err := l.Close(); err != nil {
			oplog.Error("close failed", "error", err)
		}
	}()

	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics.Listen)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				oplog.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		oplog.Info("serving metrics", "listen", cfg.Metrics.Listen)
	}
	if cfg.Admin.Listen != "" {
		srv, err := connlog.NewHTTPServer(cfg.Admin.Listen, cfg.Admin.BasePath, l)
		if err != nil {
			return st, fmt.Errorf("failed to create admin server: %w", err)
		}
		defer func() { _ = srv.Close() }()
		oplog.Info("serving admin API", "listen", cfg.Admin.Listen, "base_path", cfg.Admin.BasePath)
	}

	if cfg.Log.RotateSchedule != "" {
		sched, err := cron.New(cfg.Log.RotateSchedule, l, oplog, nil)
		if err != nil {
			return st, err
		}
		sched.Start()
		defer sched.Stop()
		oplog.Info("scheduled rotation enabled", "schedule", cfg.Log.RotateSchedule)
	}

	done := make(chan struct{})
	defer close(done)
	go watchRotate(l, oplog, rotateCh, done)

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		st.Read++
		var rec connlog.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			st.Invalid++
			l.Debugf(connlog.SevWarn, 0, "line %d: invalid record: %v", line, err)
			continue
		}
		if err := l.Finalize(ctx, &rec); err != nil {
			st.Failed++
			continue
		}
		st.Emitted++
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read input: %w", err)
	}
	oplog.Info("ingest finished", "read", st.Read, "emitted", st.Emitted, "failed", st.Failed, "invalid", st.Invalid)
	return st, nil
}

func watchRotate(l *connlog.Logger, oplog *slog.Logger, rotateCh <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case _, ok := <-rotateCh:
			if !ok {
				return
			}
			if err := l.Rotate(); err != nil {
				oplog.Warn("rotate failed", "error", err)
				continue
			}
			oplog.Info("connection log rotated")
		}
	}
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func createRenderCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RenderFlags{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print connection records in an encoding without logging them",
		Long: `Render one or more JSON connection records to stdout.

Examples:
  connlog render --format=csv < record.json
  connlog render --format=sql --input=records.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(*globalFlags, *flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Input, "input", "", "file holding JSON records (default stdin)")
	cmd.Flags().StringVar(&flags.Format, "format", "", "text, csv, sql or json (default: [log] format)")
	return cmd
}

func runRender(g GlobalFlags, f RenderFlags, in io.Reader, out io.Writer) error {
	name := f.Format
	if name == "" {
		cfg, err := loadConfig(g)
		if err != nil {
			return err
		}
		name = cfg.Log.Format
	}
	enc, err := connlog.ParseEncoding(name)
	if err != nil {
		return err
	}
	src, err := openInput(f.Input, in)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dec := json.NewDecoder(src)
	for n := 1; ; n++ {
		var rec connlog.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("record %d: %w", n, err)
		}
		b, err := connlog.Render(&rec, enc)
		if err != nil {
			return fmt.Errorf("record %d: %w", n, err)
		}
		if _, err := out.Write(b); err != nil {
			return err
		}
	}
}

type configSummary struct {
	Output     string `json:"output" yaml:"output"`
	Format     string `json:"format" yaml:"format"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	Rotation   bool   `json:"rotation" yaml:"rotation"`
	Schedule   string `json:"rotate_schedule,omitempty" yaml:"rotate_schedule,omitempty"`
	DebugLevel string `json:"debug_level" yaml:"debug_level"`
	DebugFile  string `json:"debug_file,omitempty" yaml:"debug_file,omitempty"`
	Driver     string `json:"driver,omitempty" yaml:"driver,omitempty"`
	Table      string `json:"table,omitempty" yaml:"table,omitempty"`
	Remote     string `json:"remote,omitempty" yaml:"remote,omitempty"`
	NATS       string `json:"nats,omitempty" yaml:"nats,omitempty"`
	Metrics    string `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Admin      string `json:"admin,omitempty" yaml:"admin,omitempty"`
}

func createCheckConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*globalFlags)
			if err != nil {
				return err
			}
			s := summarize(cfg)
			switch output {
			case "json", "":
				printJSON(cmd.OutOrStdout(), s)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(s); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown output %q (want json or yaml)", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "json or yaml")
	return cmd
}

func summarize(cfg connlog.Config) configSummary {
	s := configSummary{
		Output:     cfg.Log.Output,
		Format:     cfg.Log.Format,
		Rotation:   cfg.Log.Rotation,
		DebugLevel: cfg.Log.DebugLevel,
		DebugFile:  cfg.Log.DebugFile,
		Metrics:    cfg.Metrics.Listen,
	}
	switch cfg.Log.Output {
	case "file":
		s.File = filepath.Join(cfg.Log.Dir, cfg.Log.File)
		s.Schedule = cfg.Log.RotateSchedule
	case "database":
		s.Driver = cfg.Database.Driver
		s.Table = cfg.Database.TableName()
	case "remote":
		s.Remote = cfg.Remote.URL + "/" + cfg.Remote.Index
	case "nats":
		s.NATS = cfg.NATS.URL + " " + cfg.NATS.Subject
	}
	if cfg.Admin.Listen != "" {
		s.Admin = cfg.Admin.Listen + cfg.Admin.BasePath
	}
	return s
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
