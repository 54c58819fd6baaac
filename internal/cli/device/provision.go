package device

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/agentapi"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/retry"
)

type provisionOptions struct {
	device    string
	assetID   string
	orgID     int32
	token     string
	cloudHost string
}

func newProvisionCmd(flags *helpers.GlobalFlags) *cobra.Command {
	var opts provisionOptions

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a device with an asset enrollment token",
		Long: `Hand an enrollment token to an unprovisioned agent. The agent generates
its own key, exchanges the token with the cloud and restarts its listener
with mutual TLS.

The command then reconnects with your user certificate and checks that the
device presents the requested asset identity.`,
		Example: `  wendy device provision --device 192.168.1.20 --asset-id edge-7 --token "$TOKEN"
  wendy device provision --device edge-7.local --asset-id edge-7 --org 42 --cloud-host localhost:50052`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProvision(cmd, flags, opts)
		},
	}

	cmd.Flags().StringVar(&opts.device, "device", "", "Device address host[:port]")
	cmd.Flags().StringVar(&opts.assetID, "asset-id", "", "Asset id the device enrolls as")
	cmd.Flags().Int32Var(&opts.orgID, "org", 0, "Organization of the device (default: that of your stored credentials)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Asset enrollment token (prompted when omitted)")
	cmd.Flags().StringVar(&opts.cloudHost, "cloud-host", "", "Certificate service the device enrolls with (default from settings)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("asset-id")

	return cmd
}

func runProvision(cmd *cobra.Command, flags *helpers.GlobalFlags, opts provisionOptions) error {
	endpoint, err := deviceEndpoint(opts.device)
	if err != nil {
		return err
	}
	env, err := helpers.NewEnv(flags)
	if err != nil {
		return err
	}

	target, err := env.Target("", opts.cloudHost)
	if err != nil {
		return err
	}
	operator, err := env.UserCredentials(target, opts.orgID)
	if err != nil {
		return err
	}
	orgID := operator.Entry.OrganizationID
	device := identity.Asset(orgID, opts.assetID)
	if err := device.Validate(); err != nil {
		return err
	}
	creds, err := channel.CredentialsFromEntry(operator.Entry)
	if err != nil {
		return err
	}

	token := opts.token
	if token == "" {
		if token, err = helpers.Prompt(cmd, "Enrollment token: "); err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("enrollment token is required")
		}
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	plain, err := openPlaintext(env, endpoint)
	if err != nil {
		return err
	}
	defer plain.Close()

	var status *agentapi.IsProvisionedResponse
	err = retry.Do(ctx, withLog(env, "Retrying device status"), func() error {
		var err error
		status, err = plain.isProvisioned(ctx)
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("device %s is not reachable over plaintext (already provisioned?): %s", endpoint, connectMessage(err))
	}
	if p := status.Provisioned; p != nil {
		return fmt.Errorf("device %s is already provisioned as %s", endpoint, identity.Asset(p.OrganizationID, p.AssetID))
	}

	if err := plain.startProvisioning(ctx, &agentapi.StartProvisioningRequest{
		EnrollmentToken: token,
		CloudHost:       target.GRPCHost,
		AssetID:         device.AssetID,
		OrganizationID:  device.OrganizationID,
	}); err != nil {
		helpers.Failure(out, "Provisioning failed: %s", connectMessage(err))
		return fmt.Errorf("device %s was not provisioned", endpoint)
	}
	helpers.Success(out, "Device accepted the enrollment token")

	secure, err := openSecure(env, endpoint, creds, identity.ForAsset(device.OrganizationID, device.AssetID))
	if err != nil {
		return err
	}
	defer secure.Close()

	var confirmed *agentapi.IsProvisionedResponse
	err = retry.Do(ctx, withLog(env, "Waiting for device to restart with mutual TLS"), func() error {
		var err error
		confirmed, err = secure.isProvisioned(ctx)
		return err
	}, func(err error) bool {
		return !channel.IsRejected(err)
	})
	if err != nil {
		helpers.Failure(out, "Could not confirm device identity: %s", connectMessage(err))
		return fmt.Errorf("device %s did not come back as %s", endpoint, device)
	}
	if confirmed.Provisioned == nil {
		return fmt.Errorf("device %s reports it is not provisioned", endpoint)
	}

	helpers.Success(out, "Provisioned %s (organization %d) at %s", device.AssetID, device.OrganizationID, endpoint)
	return nil
}

func withLog(env *helpers.Env, msg string) retry.Config {
	cfg := retryConfig
	cfg.OnRetry = func(attempt int, err error) {
		env.Logger.Debug().Int("attempt", attempt).Err(err).Msg(msg)
	}
	return cfg
}

func withAttempts(cfg retry.Config, n int) retry.Config {
	cfg.MaxRetries = n
	return cfg
}
