package cloudapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wendylabs/wendy/internal/rpc/jsoncodec"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "wendy.cloud.v1.CertificateService"

// Full method names.
const (
	IssueCertificateMethod       = "/" + ServiceName + "/IssueCertificate"
	RefreshCertificateMethod     = "/" + ServiceName + "/RefreshCertificate"
	GetCertificateMetadataMethod = "/" + ServiceName + "/GetCertificateMetadata"
)

// CertificateServiceClient is the client API of the certificate service.
type CertificateServiceClient interface {
	IssueCertificate(ctx context.Context, in *IssueCertificateRequest, opts ...grpc.CallOption) (*IssueCertificateResponse, error)
	RefreshCertificate(ctx context.Context, in *RefreshCertificateRequest, opts ...grpc.CallOption) (*RefreshCertificateResponse, error)
	GetCertificateMetadata(ctx context.Context, in *GetCertificateMetadataRequest, opts ...grpc.CallOption) (*CertificateMetadata, error)
}

type certificateServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCertificateServiceClient returns a client that invokes methods on cc
// using the JSON codec.
func NewCertificateServiceClient(cc grpc.ClientConnInterface) CertificateServiceClient {
	return &certificateServiceClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(jsoncodec.Name)}, opts...)
}

func (c *certificateServiceClient) IssueCertificate(ctx context.Context, in *IssueCertificateRequest, opts ...grpc.CallOption) (*IssueCertificateResponse, error) {
	out := new(IssueCertificateResponse)
	if err := c.cc.Invoke(ctx, IssueCertificateMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *certificateServiceClient) RefreshCertificate(ctx context.Context, in *RefreshCertificateRequest, opts ...grpc.CallOption) (*RefreshCertificateResponse, error) {
	out := new(RefreshCertificateResponse)
	if err := c.cc.Invoke(ctx, RefreshCertificateMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *certificateServiceClient) GetCertificateMetadata(ctx context.Context, in *GetCertificateMetadataRequest, opts ...grpc.CallOption) (*CertificateMetadata, error) {
	out := new(CertificateMetadata)
	if err := c.cc.Invoke(ctx, GetCertificateMetadataMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// CertificateServiceServer is the server API of the certificate service.
type CertificateServiceServer interface {
	IssueCertificate(context.Context, *IssueCertificateRequest) (*IssueCertificateResponse, error)
	RefreshCertificate(context.Context, *RefreshCertificateRequest) (*RefreshCertificateResponse, error)
	GetCertificateMetadata(context.Context, *GetCertificateMetadataRequest) (*CertificateMetadata, error)
}

// UnimplementedCertificateServiceServer returns codes.Unimplemented for every method.
type UnimplementedCertificateServiceServer struct{}

func (UnimplementedCertificateServiceServer) IssueCertificate(context.Context, *IssueCertificateRequest) (*IssueCertificateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method IssueCertificate not implemented")
}

func (UnimplementedCertificateServiceServer) RefreshCertificate(context.Context, *RefreshCertificateRequest) (*RefreshCertificateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RefreshCertificate not implemented")
}

func (UnimplementedCertificateServiceServer) GetCertificateMetadata(context.Context, *GetCertificateMetadataRequest) (*CertificateMetadata, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCertificateMetadata not implemented")
}

// RegisterCertificateServiceServer registers srv on s.
func RegisterCertificateServiceServer(s grpc.ServiceRegistrar, srv CertificateServiceServer) {
	s.RegisterService(&CertificateServiceDesc, srv)
}

// CertificateServiceDesc describes the service for grpc.Server.
var CertificateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CertificateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IssueCertificate", Handler: issueCertificateHandler},
		{MethodName: "RefreshCertificate", Handler: refreshCertificateHandler},
		{MethodName: "GetCertificateMetadata", Handler: getCertificateMetadataHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wendy/cloud/v1/certificate.proto",
}

func issueCertificateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(IssueCertificateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CertificateServiceServer).IssueCertificate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IssueCertificateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CertificateServiceServer).IssueCertificate(ctx, req.(*IssueCertificateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func refreshCertificateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RefreshCertificateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CertificateServiceServer).RefreshCertificate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RefreshCertificateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CertificateServiceServer).RefreshCertificate(ctx, req.(*RefreshCertificateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getCertificateMetadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetCertificateMetadataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CertificateServiceServer).GetCertificateMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetCertificateMetadataMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CertificateServiceServer).GetCertificateMetadata(ctx, req.(*GetCertificateMetadataRequest))
	}
	return interceptor(ctx, in, info, handler)
}
