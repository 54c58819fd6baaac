package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/agentapi"
	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/retry"
)

// deviceRow is the provisioning state shown by 'device status'.
type deviceRow struct {
	Device       string `header:"DEVICE" json:"device"`
	Provisioned  bool   `header:"PROVISIONED" json:"provisioned"`
	AssetID      string `header:"ASSET" json:"assetId,omitempty"`
	Organization int32  `header:"ORG" json:"organizationId,omitempty"`
	CloudHost    string `json:"cloudHost,omitempty"`
	Secure       bool   `header:"MTLS" json:"secure"`
}

func newStatusCmd(flags *helpers.GlobalFlags) *cobra.Command {
	var (
		device string
		orgID  int32
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a device is provisioned",
		Long: `Ask a device's agent whether it is provisioned.

An unprovisioned agent answers over plaintext. A provisioned agent only
accepts mutual TLS, which uses your stored user certificate for the
device's organization.`,
		Example: `  wendy device status --device 192.168.1.20
  wendy device status --device edge-7.local:50051 --org 42 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, flags, device, orgID, helpers.OutputFormat(format))
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Device address host[:port]")
	cmd.Flags().Int32Var(&orgID, "org", 0, "Organization of the user credentials to present (default: first stored)")
	helpers.AddFormatFlag(cmd, &format)
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func runStatus(cmd *cobra.Command, flags *helpers.GlobalFlags, device string, orgID int32, format helpers.OutputFormat) error {
	endpoint, err := deviceEndpoint(device)
	if err != nil {
		return err
	}
	env, err := helpers.NewEnv(flags)
	if err != nil {
		return err
	}

	var (
		resp   *agentapi.IsProvisionedResponse
		secure bool
	)
	err = retry.Do(cmd.Context(), withAttempts(withLog(env, "Retrying device status"), 3), func() error {
		var probeErr error
		resp, secure, probeErr = probe(cmd.Context(), env, endpoint, orgID)
		return probeErr
	}, func(err error) bool {
		return !channel.IsRejected(err) && !errors.Is(err, certstore.ErrNoCredentials)
	})
	if err != nil {
		return fmt.Errorf("failed to query %s: %s", endpoint, connectMessage(err))
	}

	row := deviceRow{Device: endpoint, Secure: secure}
	if p := resp.Provisioned; p != nil {
		row.Provisioned = true
		row.AssetID = p.AssetID
		row.Organization = p.OrganizationID
		row.CloudHost = p.CloudHost
	}

	if format == helpers.FormatJSON {
		return helpers.Write(cmd.OutOrStdout(), format, row)
	}
	return helpers.Write(cmd.OutOrStdout(), format, []deviceRow{row})
}

// probe tries plaintext first, then mutual TLS with the operator's
// credentials for orgID.
func probe(ctx context.Context, env *helpers.Env, endpoint string, orgID int32) (*agentapi.IsProvisionedResponse, bool, error) {
	plain, err := openPlaintext(env, endpoint)
	if err != nil {
		return nil, false, err
	}
	resp, plainErr := plain.isProvisioned(ctx)
	plain.Close()
	if plainErr == nil {
		return resp, false, nil
	}
	env.Logger.Debug().Err(plainErr).Str("device", endpoint).Msg("Plaintext query failed, trying mutual TLS")

	target, err := env.Target("", "")
	if err != nil {
		return nil, false, err
	}
	operator, err := env.UserCredentials(target, orgID)
	if err != nil {
		return nil, false, fmt.Errorf("device did not answer over plaintext (%w) and %w", plainErr, err)
	}
	creds, err := channel.CredentialsFromEntry(operator.Entry)
	if err != nil {
		return nil, false, err
	}

	secure, err := openSecure(env, endpoint, creds, identity.ForOrg(operator.Entry.OrganizationID))
	if err != nil {
		return nil, false, err
	}
	defer secure.Close()

	resp, err = secure.isProvisioned(ctx)
	if err != nil {
		return nil, true, err
	}
	return resp, true, nil
}
