// Package auth implements the 'wendy auth' commands, which obtain, inspect
// and refresh the user certificates stored in config.json.
package auth

import (
	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/cli/helpers"
)

// openBrowser is replaced in tests.
var openBrowser = helpers.OpenBrowser

// NewAuthCmd creates the auth command and its subcommands.
func NewAuthCmd(flags *helpers.GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage cloud credentials",
		Long: `Manage the certificates that identify you to Wendy cloud.

Credentials are stored per cloud deployment in config.json under the
configuration directory (default ~/.wendy, override with WENDY_CONFIG_DIR).`,
	}

	cmd.AddCommand(newLoginCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newRefreshCmd(flags))

	return cmd
}
