// Package device implements the 'wendy device' commands, which talk to the
// provisioning service of a wendy-agent.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/wendylabs/wendy/internal/agentapi"
	"github.com/wendylabs/wendy/internal/channel"
	"github.com/wendylabs/wendy/internal/cli/helpers"
	"github.com/wendylabs/wendy/internal/constants"
	"github.com/wendylabs/wendy/internal/identity"
	"github.com/wendylabs/wendy/internal/retry"
)

// retryConfig covers an agent that is still booting or rebinding its
// listener after provisioning.
var retryConfig = retry.Config{
	MaxRetries:     10,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Jitter:         0.2,
}

// NewDeviceCmd creates the device command and its subcommands.
func NewDeviceCmd(flags *helpers.GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect and provision devices running wendy-agent",
	}

	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newProvisionCmd(flags))

	return cmd
}

// deviceEndpoint adds the default agent port when raw has none.
func deviceEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("--device is required")
	}
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw, nil
	}
	endpoint := net.JoinHostPort(strings.Trim(raw, "[]"), strconv.Itoa(constants.DefaultAgentPort))
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return "", fmt.Errorf("invalid --device %q: %w", raw, err)
	}
	return endpoint, nil
}

// agentClient is a provisioning client bound to one channel.
type agentClient struct {
	ch     *channel.HTTPChannel
	client agentapi.ProvisioningServiceClient
}

func newAgentClient(ch *channel.HTTPChannel) *agentClient {
	return &agentClient{ch: ch, client: agentapi.NewProvisioningServiceClient(ch.Client, ch.BaseURL)}
}

func (a *agentClient) Close() { a.ch.Close() }

func (a *agentClient) isProvisioned(ctx context.Context) (*agentapi.IsProvisionedResponse, error) {
	resp, err := a.client.IsProvisioned(ctx, connect.NewRequest(&agentapi.IsProvisionedRequest{}))
	if err != nil {
		return nil, a.ch.Classify(err)
	}
	return resp.Msg, nil
}

func (a *agentClient) startProvisioning(ctx context.Context, req *agentapi.StartProvisioningRequest) error {
	_, err := a.client.StartProvisioning(ctx, connect.NewRequest(req))
	if err != nil {
		return a.ch.Classify(err)
	}
	return nil
}

// openSecure connects to a provisioned agent with the operator's credentials.
func openSecure(env *helpers.Env, endpoint string, creds channel.Credentials, matcher *identity.PeerIdentityMatcher) (*agentClient, error) {
	ch, err := env.Factory.MTLSHTTP(endpoint, creds, matcher)
	if err != nil {
		return nil, err
	}
	return newAgentClient(ch), nil
}

func openPlaintext(env *helpers.Env, endpoint string) (*agentClient, error) {
	ch, err := env.Factory.PlaintextHTTP(endpoint)
	if err != nil {
		return nil, err
	}
	return newAgentClient(ch), nil
}

// connectMessage returns the agent's error message without the code prefix.
func connectMessage(err error) string {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return err.Error()
}
