// Package agentapi is the wire contract of the device-side provisioning
// service, served with Connect over the JSON codec.
package agentapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/wendylabs/wendy/internal/rpc/jsoncodec"
)

// ServiceName is the fully-qualified service name.
const ServiceName = "wendy.agent.v1.ProvisioningService"

// Procedure paths.
const (
	IsProvisionedProcedure     = "/" + ServiceName + "/IsProvisioned"
	StartProvisioningProcedure = "/" + ServiceName + "/StartProvisioning"
)

// IsProvisionedRequest has no fields.
type IsProvisionedRequest struct{}

// IsProvisionedResponse sets exactly one of its fields.
type IsProvisionedResponse struct {
	NotProvisioned *NotProvisioned `json:"notProvisioned,omitempty"`
	Provisioned    *Provisioned    `json:"provisioned,omitempty"`
}

// NotProvisioned marks an agent without credentials.
type NotProvisioned struct{}

// Provisioned describes the identity an agent holds.
type Provisioned struct {
	AssetID        string `json:"assetId"`
	OrganizationID int32  `json:"organizationId"`
	CloudHost      string `json:"cloudHost,omitempty"`
}

// StartProvisioningRequest tells the agent to enroll with the cloud.
type StartProvisioningRequest struct {
	EnrollmentToken string `json:"enrollmentToken"`
	CloudHost       string `json:"cloudHost"`
	AssetID         string `json:"assetId"`
	OrganizationID  int32  `json:"organizationId"`
}

// StartProvisioningResponse acknowledges a completed enrollment. The agent
// restarts its listener with mutual TLS after replying.
type StartProvisioningResponse struct{}

// ProvisioningServiceHandler is implemented by the agent.
type ProvisioningServiceHandler interface {
	IsProvisioned(context.Context, *connect.Request[IsProvisionedRequest]) (*connect.Response[IsProvisionedResponse], error)
	StartProvisioning(context.Context, *connect.Request[StartProvisioningRequest]) (*connect.Response[StartProvisioningResponse], error)
}

// NewProvisioningServiceHandler returns the mount path and handler for svc.
func NewProvisioningServiceHandler(svc ProvisioningServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsoncodec.Codec{})}, opts...)

	isProvisioned := connect.NewUnaryHandler(IsProvisionedProcedure, svc.IsProvisioned, opts...)
	startProvisioning := connect.NewUnaryHandler(StartProvisioningProcedure, svc.StartProvisioning, opts...)

	return "/" + ServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case IsProvisionedProcedure:
			isProvisioned.ServeHTTP(w, r)
		case StartProvisioningProcedure:
			startProvisioning.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// ProvisioningServiceClient calls an agent.
type ProvisioningServiceClient interface {
	IsProvisioned(context.Context, *connect.Request[IsProvisionedRequest]) (*connect.Response[IsProvisionedResponse], error)
	StartProvisioning(context.Context, *connect.Request[StartProvisioningRequest]) (*connect.Response[StartProvisioningResponse], error)
}

type provisioningServiceClient struct {
	isProvisioned     *connect.Client[IsProvisionedRequest, IsProvisionedResponse]
	startProvisioning *connect.Client[StartProvisioningRequest, StartProvisioningResponse]
}

// NewProvisioningServiceClient builds a client for the agent at baseURL
// (for example http://device.local:50051).
func NewProvisioningServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) ProvisioningServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsoncodec.Codec{})}, opts...)

	return &provisioningServiceClient{
		isProvisioned:     connect.NewClient[IsProvisionedRequest, IsProvisionedResponse](httpClient, baseURL+IsProvisionedProcedure, opts...),
		startProvisioning: connect.NewClient[StartProvisioningRequest, StartProvisioningResponse](httpClient, baseURL+StartProvisioningProcedure, opts...),
	}
}

func (c *provisioningServiceClient) IsProvisioned(ctx context.Context, req *connect.Request[IsProvisionedRequest]) (*connect.Response[IsProvisionedResponse], error) {
	return c.isProvisioned.CallUnary(ctx, req)
}

func (c *provisioningServiceClient) StartProvisioning(ctx context.Context, req *connect.Request[StartProvisioningRequest]) (*connect.Response[StartProvisioningResponse], error) {
	return c.startProvisioning.CallUnary(ctx, req)
}

// UnimplementedProvisioningServiceHandler returns CodeUnimplemented from all methods.
type UnimplementedProvisioningServiceHandler struct{}

func (UnimplementedProvisioningServiceHandler) IsProvisioned(context.Context, *connect.Request[IsProvisionedRequest]) (*connect.Response[IsProvisionedResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New(IsProvisionedProcedure+" is not implemented"))
}

func (UnimplementedProvisioningServiceHandler) StartProvisioning(context.Context, *connect.Request[StartProvisioningRequest]) (*connect.Response[StartProvisioningResponse], error) {
	return nil, connect.NewError(connect.CodeUnimplemented, errors.New(StartProvisioningProcedure+" is not implemented"))
}
