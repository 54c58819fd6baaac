package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/enroll"
)

func newRefreshCmd(flags *helpers.GlobalFlags) *cobra.Command {
	var (
		force bool
		orgID int32
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh stored user certificates that are close to expiry",
		Long: `Refresh every stored user certificate that is inside the refresh margin
(auth.refresh_margin in settings.yaml). Each refresh generates a new key
and authenticates with the current certificate.

With --force every certificate is refreshed regardless of expiry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefresh(cmd, flags, orgID, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Refresh even if the certificate is still fresh")
	cmd.Flags().Int32Var(&orgID, "org", 0, "Only refresh credentials of this organization")

	return cmd
}

func runRefresh(cmd *cobra.Command, flags *helpers.GlobalFlags, orgID int32, force bool) error {
	env, err := helpers.NewEnv(flags)
	if err != nil {
		return err
	}
	enroller, err := env.Enroller()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	policy := env.Policy()
	var failed []error
	seen := 0

	for _, c := range env.Store.Load().Candidates() {
		id := c.Entry.Identity()
		if id.UserID == "" || (orgID != 0 && id.OrganizationID != orgID) {
			continue
		}
		seen++

		before, _ := c.Entry.Leaf()
		var res *enroll.Result
		if force {
			res, err = enroller.Refresh(cmd.Context(), c.Target, id)
		} else {
			res, err = enroller.EnsureFresh(cmd.Context(), c.Target, id, policy)
		}
		if err != nil {
			helpers.Failure(out, "%s on %s: %s", id, c.Target.GRPCHost, enroll.UserMessage(err))
			failed = append(failed, err)
			continue
		}

		expires := res.Leaf.NotAfter.Local().Format(time.RFC1123)
		if before != nil && before.SerialNumber.Cmp(res.Leaf.SerialNumber) == 0 {
			helpers.Success(out, "%s on %s is fresh until %s", id, c.Target.GRPCHost, expires)
			continue
		}
		helpers.Success(out, "Refreshed %s on %s, expires %s", id, c.Target.GRPCHost, expires)
	}

	if seen == 0 {
		return fmt.Errorf("no stored user credentials; run 'wendy auth login' first")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d refreshes failed: %w", len(failed), seen, errors.Join(failed...))
	}
	return nil
}
