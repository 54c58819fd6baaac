package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/enroll"
	"github.com/wendylabs/wendy/internal/enroll/callback"
)

type loginOptions struct {
	dashboardURL string
	grpcHost     string
	timeout      time.Duration
	noBrowser    bool
	manual       bool
}

func newLoginCmd(flags *helpers.GlobalFlags) *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in through the dashboard and store a user certificate",
		Long: `Open the dashboard login page and wait for it to redirect back with an
enrollment token. The token is exchanged for a certificate bound to a key
generated on this machine.

With --manual no local listener is started. Open the printed page on any
machine and paste the URL the browser was redirected to.`,
		Example: `  wendy auth login
  wendy auth login --dashboard http://localhost:8080 --grpc-host localhost:50052
  wendy auth login --manual`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, flags, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dashboardURL, "dashboard", "", "Dashboard URL (default from settings)")
	cmd.Flags().StringVar(&opts.grpcHost, "grpc-host", "", "Cloud certificate service host:port (default from settings)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "How long to wait for the browser (default from settings)")
	cmd.Flags().BoolVar(&opts.noBrowser, "no-browser", false, "Print the login URL without opening a browser")
	cmd.Flags().BoolVar(&opts.manual, "manual", false, "Paste the redirect URL instead of running a local listener")

	return cmd
}

func runLogin(cmd *cobra.Command, flags *helpers.GlobalFlags, opts loginOptions) error {
	env, err := helpers.NewEnv(flags)
	if err != nil {
		return err
	}
	target, err := env.Target(opts.dashboardURL, opts.grpcHost)
	if err != nil {
		return err
	}
	enroller, err := env.Enroller()
	if err != nil {
		return err
	}

	timeout := opts.timeout
	if timeout == 0 {
		timeout = env.Settings.Auth.EnrollTimeout
	}

	session := enroller.NewSession(target)
	if err := session.AwaitToken(); err != nil {
		return err
	}

	var res *enroll.Result
	if opts.manual {
		res, err = loginManual(cmd, session, timeout)
	} else {
		res, err = loginWithCallback(cmd, env, session, timeout, opts.noBrowser)
	}
	if err != nil {
		return fmt.Errorf("login failed: %s", enroll.UserMessage(err))
	}

	out := cmd.OutOrStdout()
	helpers.Success(out, "Logged in as %s (organization %d)", res.Identity.UserID, res.Identity.OrganizationID)
	_, _ = fmt.Fprintf(out, "  Cloud:   %s\n", target.GRPCHost)
	_, _ = fmt.Fprintf(out, "  Expires: %s\n", res.Leaf.NotAfter.Local().Format(time.RFC1123))
	return nil
}

func loginWithCallback(cmd *cobra.Command, env *helpers.Env, session *enroll.Session, timeout time.Duration, noBrowser bool) (*enroll.Result, error) {
	ln, err := callback.New(callback.Config{
		Session: session,
		Timeout: timeout,
		Logger:  env.Logger,
	})
	if err != nil {
		return nil, err
	}

	dashboardURL := session.Target().DashboardURL
	return ln.Run(cmd.Context(), func(callbackURL string) {
		authURL := callback.AuthURL(dashboardURL, callbackURL)
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Open this page to log in:\n\n  %s\n\nWaiting for the dashboard (timeout %s)...\n", authURL, timeout)
		if noBrowser {
			return
		}
		if err := openBrowser(authURL); err != nil {
			env.Logger.Debug().Err(err).Msg("Could not open browser")
		}
	})
}

func loginManual(cmd *cobra.Command, session *enroll.Session, timeout time.Duration) (*enroll.Result, error) {
	// No listener runs, so the redirect target only needs to pass the
	// dashboard's loopback check.
	authURL := callback.AuthURL(session.Target().DashboardURL, "http://127.0.0.1:1"+constants.CallbackPath)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Open this page in a browser and log in:\n\n  %s\n\n", authURL)

	raw, err := helpers.Prompt(cmd, "Paste the URL you were redirected to: ")
	if err != nil {
		return nil, err
	}
	token, id, err := callback.ParseCallbackURL(raw)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return session.Exchange(ctx, token, id)
}
