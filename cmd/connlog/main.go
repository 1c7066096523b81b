package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	DSN        string
}

// buildRoot creates the command tree. Streams are injected so commands can
// be driven from tests.
func buildRoot(in io.Reader, out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		createIngestCommand(globalFlags),
		createRenderCommand(globalFlags),
		createCheckConfigCommand(globalFlags),
		createRotateCommand(),
		createStatusCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "connlog",
		Short: "Connection lifecycle logger",
		Long: `connlog writes one record per finished connection describing the
processing stages it went through, to stdout, a rotating file, a database or
an OpenSearch index.

Examples:
  connlog ingest --config=connlog.toml < records.jsonl
  connlog ingest --dsn=sqlite:///var/lib/connlog/conn.db --input=records.jsonl
  connlog render --format=csv < record.json
  connlog check-config --config=connlog.toml
  connlog rotate --api-url=http://localhost:8081/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DSN, "dsn", "", "send records to this database or OpenSearch DSN instead of [log] output")

	return root
}
