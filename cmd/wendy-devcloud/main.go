// Package main provides wendy-devcloud, a local certificate service and
// dashboard for development and end-to-end testing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "wendy-devcloud",
		Short: "Wendy development cloud",
		Long: `Run a local certificate authority with the Wendy cloud certificate
service and a minimal dashboard login page.

Not for production: the CA key and token secret are stored unencrypted
under state_dir (default ~/.wendy-devcloud).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to devcloud.yaml")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newTokenCmd(&configPath))
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			version.Print(cmd.OutOrStdout(), "wendy-devcloud")
		},
	})
	return rootCmd
}
