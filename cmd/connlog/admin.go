package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/connlog/pkg/client"
)

func addAdminFlags(cmd *cobra.Command, flags *AdminFlags) {
	cmd.Flags().StringVar(&flags.APIURL, "api-url", client.DefaultConfig().BaseURL, "admin API base URL of a running ingester")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
}

func newAdminClient(f AdminFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIURL, Timeout: f.Timeout, Insecure: f.Insecure})
}

func createRotateCommand() *cobra.Command {
	flags := &AdminFlags{}
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Ask a running ingester to rotate its connection log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAdminClient(*flags).Rotate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "rotated")
			return nil
		},
	}
	addAdminFlags(cmd, flags)
	return cmd
}

func createStatusCommand() *cobra.Command {
	flags := &AdminFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the output a running ingester writes to",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newAdminClient(*flags).Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
	addAdminFlags(cmd, flags)
	return cmd
}
