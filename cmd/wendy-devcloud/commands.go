package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/config"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/issuer"
	"github.com/wendylabs/wendy/internal/logging"
)

func loadConfig(path string) (*config.DevCloudConfig, zerolog.Logger, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	cfg, err := config.LoadDevCloudConfig(path, home)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the certificate service and dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if len(cfg.Users) == 0 {
				logger.Warn().Msg("No dashboard users configured; 'wendy auth login' will not work")
			}

			icfg := cfg.IssuerConfig()
			icfg.Logger = logger
			srv, err := issuer.New(icfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Certificate service: %s\n", srv.GRPCAddr())
			if u := srv.DashboardURL(); u != "" {
				_, _ = fmt.Fprintf(out, "Dashboard:           %s\n", u)
			}
			_, _ = fmt.Fprintf(out, "Root CA fingerprint: %s\n", srv.Authority().Fingerprint())

			return srv.Run(cmd.Context())
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		orgID   int32
		userID  string
		assetID string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a single-use enrollment token",
		Long: `Mint an enrollment token signed with the devcloud's token secret. The
token authorizes exactly one enrollment as the given user or asset.

Tokens are redeemable by any devcloud sharing state_dir, but each
server process tracks redemption in memory.`,
		Example: `  wendy-devcloud token --org 42 --asset edge-7
  wendy-devcloud token --org 42 --user u1 --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := identity.Identity{OrganizationID: orgID, UserID: userID, AssetID: assetID}
			if err := id.Validate(); err != nil {
				return fmt.Errorf("exactly one of --user or --asset is required: %w", err)
			}

			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			secret, err := issuer.LoadOrCreateSecret(cfg.StateDir, logger)
			if err != nil {
				return err
			}
			tokens, err := issuer.NewTokenManager(issuer.TokenConfig{Secret: secret, DefaultTTL: cfg.TokenTTL})
			if err != nil {
				return err
			}

			token, expires, err := tokens.Mint(id, ttl)
			if err != nil {
				return err
			}
			logger.Info().Str("subject", id.Subject()).Time("expires", expires).Msg("Minted enrollment token")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().Int32Var(&orgID, "org", 0, "Organization id")
	cmd.Flags().StringVar(&userID, "user", "", "User id to enroll")
	cmd.Flags().StringVar(&assetID, "asset", "", "Asset id to enroll")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default token_ttl)")
	_ = cmd.MarkFlagRequired("org")
	cmd.MarkFlagsMutuallyExclusive("user", "asset")

	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a dashboard user's password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := helpers.Prompt(cmd, "Password: ")
			if err != nil {
				return err
			}
			hash, err := issuer.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
