package auth

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/certstore"
	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/pki"
)

// credentialRow is one stored certificate as shown by 'auth status'.
type credentialRow struct {
	Organization int32     `header:"ORG" json:"organizationId"`
	Subject      string    `header:"SUBJECT" json:"subject"`
	Cloud        string    `header:"CLOUD" json:"cloudGRPCHost"`
	Status       string    `header:"STATUS" json:"status"`
	Expires      string    `header:"EXPIRES" json:"-"`
	NotAfter     time.Time `json:"notAfter"`
	Dashboard    string    `json:"cloudDashboardURL"`
}

func newStatusCmd(flags *helpers.GlobalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List stored credentials and their validity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, flags, helpers.OutputFormat(format))
		},
	}
	helpers.AddFormatFlag(cmd, &format)

	return cmd
}

func runStatus(cmd *cobra.Command, flags *helpers.GlobalFlags, format helpers.OutputFormat) error {
	env, err := helpers.NewEnv(flags)
	if err != nil {
		return err
	}

	candidates := env.Store.Load().Candidates()
	if len(candidates) == 0 && format != helpers.FormatJSON {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Not logged in. Run 'wendy auth login' to get started.")
		return nil
	}

	rows := make([]credentialRow, 0, len(candidates))
	now := time.Now()
	policy := env.Policy()
	for _, c := range candidates {
		rows = append(rows, newCredentialRow(c, policy, now))
	}
	return helpers.Write(cmd.OutOrStdout(), format, rows)
}

func newCredentialRow(c certstore.Candidate, policy pki.ExpiryPolicy, now time.Time) credentialRow {
	row := credentialRow{
		Organization: c.Entry.OrganizationID,
		Subject:      c.Entry.Identity().Subject(),
		Cloud:        c.Target.GRPCHost,
		Dashboard:    c.Target.DashboardURL,
		Status:       string(pki.CertStatusInvalid),
		Expires:      "-",
	}
	leaf, err := c.Entry.Leaf()
	if err != nil {
		return row
	}
	row.Status = string(policy.StatusCert(leaf, now))
	row.NotAfter = leaf.NotAfter
	row.Expires = leaf.NotAfter.Local().Format("2006-01-02 15:04")
	return row
}
