package agentapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	UnimplementedProvisioningServiceHandler
	provisioned *Provisioned
}

func (f *fakeAgent) IsProvisioned(context.Context, *connect.Request[IsProvisionedRequest]) (*connect.Response[IsProvisionedResponse], error) {
	if f.provisioned == nil {
		return connect.NewResponse(&IsProvisionedResponse{NotProvisioned: &NotProvisioned{}}), nil
	}
	return connect.NewResponse(&IsProvisionedResponse{Provisioned: f.provisioned}), nil
}

func newTestClient(t *testing.T, svc ProvisioningServiceHandler) ProvisioningServiceClient {
	t.Helper()
	mux := http.NewServeMux()
	path, handler := NewProvisioningServiceHandler(svc)
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewProvisioningServiceClient(srv.Client(), srv.URL+"/")
}

func TestProvisioningService_IsProvisioned(t *testing.T) {
	agent := &fakeAgent{}
	client := newTestClient(t, agent)
	ctx := context.Background()

	resp, err := client.IsProvisioned(ctx, connect.NewRequest(&IsProvisionedRequest{}))
	require.NoError(t, err)
	assert.NotNil(t, resp.Msg.NotProvisioned)
	assert.Nil(t, resp.Msg.Provisioned)

	agent.provisioned = &Provisioned{AssetID: "pi", OrganizationID: 7}
	resp, err = client.IsProvisioned(ctx, connect.NewRequest(&IsProvisionedRequest{}))
	require.NoError(t, err)
	require.NotNil(t, resp.Msg.Provisioned)
	assert.Equal(t, "pi", resp.Msg.Provisioned.AssetID)
	assert.Equal(t, int32(7), resp.Msg.Provisioned.OrganizationID)
}

func TestProvisioningService_Unimplemented(t *testing.T) {
	client := newTestClient(t, &fakeAgent{})

	_, err := client.StartProvisioning(context.Background(), connect.NewRequest(&StartProvisioningRequest{EnrollmentToken: "t"}))
	var connectErr *connect.Error
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, connect.CodeUnimplemented, connectErr.Code())
}
