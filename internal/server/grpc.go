package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/matt-riley/compatz/internal/middleware"
	"github.com/matt-riley/compatz/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC service and method names. Messages are google.protobuf.Struct values
// shaped like the HTTP JSON bodies.
const (
	CompatibilityServiceName = "compatz.v1.CompatibilityService"
	CheckCartFullMethod      = "/" + CompatibilityServiceName + "/CheckCart"
	GetAttributesFullMethod  = "/" + CompatibilityServiceName + "/GetAttributes"
)

// CompatibilityServiceServer is the server API of the compatibility service.
type CompatibilityServiceServer interface {
	CheckCart(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAttributes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// CompatibilityServiceDesc describes the compatibility service for
// [grpc.Server.RegisterService].
var CompatibilityServiceDesc = grpc.ServiceDesc{
	ServiceName: CompatibilityServiceName,
	HandlerType: (*CompatibilityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckCart", Handler: checkCartHandler},
		{MethodName: "GetAttributes", Handler: getAttributesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "compatz/v1/compatibility.proto",
}

func checkCartHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CompatibilityServiceServer).CheckCart(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckCartFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CompatibilityServiceServer).CheckCart(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getAttributesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CompatibilityServiceServer).GetAttributes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetAttributesFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CompatibilityServiceServer).GetAttributes(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CompatibilityServiceClient calls the compatibility service.
type CompatibilityServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCompatibilityServiceClient(cc grpc.ClientConnInterface) *CompatibilityServiceClient {
	return &CompatibilityServiceClient{cc: cc}
}

func (c *CompatibilityServiceClient) CheckCart(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CheckCartFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CompatibilityServiceClient) GetAttributes(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetAttributesFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements [CompatibilityServiceServer] on top of [Service].
type GRPCServer struct {
	service Service
}

func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	return &GRPCServer{service: svc}
}

// Register adds the compatibility service and a health service reporting
// SERVING for it to registrar. The returned health server lets callers flip
// the status during shutdown.
func Register(registrar grpc.ServiceRegistrar, srv *GRPCServer) *health.Server {
	registrar.RegisterService(&CompatibilityServiceDesc, srv)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(CompatibilityServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(registrar, healthServer)
	return healthServer
}

type checkStructRequest struct {
	CartID              string              `json:"cart_id"`
	Lines               []service.CheckLine `json:"lines"`
	CanUpdateAttributes bool                `json:"can_update_attributes"`
}

type attributesStructRequest struct {
	CartID string `json:"cart_id"`
}

func (s *GRPCServer) CheckCart(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request checkStructRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if strings.TrimSpace(request.CartID) == "" {
		return nil, status.Error(codes.InvalidArgument, "cart_id is required")
	}

	shopID, _ := middleware.ShopIDFromContext(ctx)
	result, err := s.service.CheckCart(ctx, shopID, service.CheckRequest(request))
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(result)
}

func (s *GRPCServer) GetAttributes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request attributesStructRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if strings.TrimSpace(request.CartID) == "" {
		return nil, status.Error(codes.InvalidArgument, "cart_id is required")
	}

	shopID, _ := middleware.ShopIDFromContext(ctx)
	values, err := s.service.GetAttributes(ctx, shopID, request.CartID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if values == nil {
		values = map[string]string{}
	}

	return encodeStruct(attributesJSONResponse{CartID: request.CartID, Attributes: values})
}

func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return errors.New("request is required")
	}
	payload, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidDeclaration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrShopIDRequired):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, service.ErrDeclarationNotFound):
		return status.Error(codes.NotFound, "declaration not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
