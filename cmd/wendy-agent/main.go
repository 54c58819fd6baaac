// Package main provides the wendy-agent daemon, which runs on a device and
// serves the provisioning service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/agent/server"
	"github.com/wendylabs/wendy/internal/config"
	"github.com/wendylabs/wendy/internal/logging"
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
	rootCmd := &cobra.Command{
		Use:           "wendy-agent",
		Short:         "Wendy Agent - device daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			version.Print(cmd.OutOrStdout(), "wendy-agent")
		},
	})
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the provisioning service",
		Long: `Serve the provisioning service on listen_addr.

An unprovisioned agent listens in plaintext until a provisioning request
arrives. It then enrolls with the cloud, stores its certificate under
state_dir and restarts the listener with mutual TLS. A provisioned agent
starts with mutual TLS and refreshes its certificate in the background.

Configuration is read from --config, WENDY_AGENT_CONFIG or
/etc/wendy/agent.yaml, with WENDY_AGENT_* environment overrides.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgentConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewWithComponent(logging.Config{
				Level:  cfg.Logging.Level,
				Pretty: cfg.Logging.Pretty,
				Output: os.Stderr,
			}, "agent")
			logger.Info().Str("version", version.Version).Str("state_dir", cfg.StateDir).Msg("Starting wendy-agent")

			srv, err := server.New(server.Config{
				ListenAddr:      cfg.ListenAddr,
				StateDir:        cfg.StateDir,
				CloudHost:       cfg.CloudHost,
				RefreshInterval: cfg.Refresh.Interval,
				RefreshMargin:   cfg.Refresh.Margin,
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to agent.yaml")
	return cmd
}
