// Package cli assembles the wendy command tree.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/cli/auth"
	"github.com/wendylabs/wendy/internal/cli/device"
	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/pkg/version"
)

// NewRootCmd builds the wendy command tree.
func NewRootCmd() *cobra.Command {
	flags := &helpers.GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "wendy",
		Short: "Wendy - provision and manage edge devices",
		Long: `Manage Wendy cloud credentials and provision edge devices.

Your identity is a certificate issued by Wendy cloud for a key that never
leaves this machine. Devices get their own certificates during
provisioning and from then on only accept mutual TLS from members of their
organization.

Get started:
  wendy auth login
  wendy device provision --device <host> --asset-id <id> --token <token>

Environment Variables:
  WENDY_CONFIG_DIR     Override config directory (default: ~/.wendy)
  WENDY_DASHBOARD_URL  Override the dashboard URL
  WENDY_CLOUD_GRPC     Override the certificate service host:port
  WENDY_LOG_LEVEL      Log level (default: warn)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(auth.NewAuthCmd(flags))
	rootCmd.AddCommand(device.NewDeviceCmd(flags))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			version.Print(cmd.OutOrStdout(), "wendy")
		},
	}
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
