package remote

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"scriptgate.org/internal/authority"
)

// authorityServer is the handler contract registered with grpc.
type authorityServer interface {
	Authenticate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GrantBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RevokeBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateIdentity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server exposes an authority.Authority over gRPC. cmd/authority-stub uses it
// to stand in for the real service in development.
type Server struct {
	impl   authority.Authority
	apiKey string
}

// Register adds the authority service to s. An empty apiKey disables the check.
func Register(s *grpc.Server, impl authority.Authority, apiKey string) *Server {
	srv := &Server{impl: impl, apiKey: apiKey}
	s.RegisterService(&serviceDesc, srv)
	return srv
}

func (s *Server) Authenticate(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if !s.authorized(ctx) {
		return structpb.NewStruct(map[string]any{"authenticated": false})
	}
	ok, err := s.impl.Authenticate(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return structpb.NewStruct(map[string]any{"authenticated": ok})
}

func (s *Server) GrantBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.batch(ctx, req, s.impl.GrantBatch)
}

func (s *Server) RevokeBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.batch(ctx, req, s.impl.RevokeBatch)
}

func (s *Server) ValidateIdentity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !s.authorized(ctx) {
		return nil, status.Error(codes.Unauthenticated, "invalid api key")
	}
	identity, _ := req.AsMap()["identity"].(string)
	verified, ok := identity, identity != ""
	if v, supported := s.impl.(authority.IdentityValidator); supported {
		var err error
		verified, ok, err = v.ValidateIdentity(ctx, identity)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
	}
	return structpb.NewStruct(map[string]any{"valid": ok, "verified": verified})
}

func (s *Server) batch(ctx context.Context, req *structpb.Struct, fn func(context.Context, string, []string) ([]authority.Outcome, error)) (*structpb.Struct, error) {
	if !s.authorized(ctx) {
		return nil, status.Error(codes.Unauthenticated, "invalid api key")
	}
	identity, ids := batchFromRequest(req)
	if identity == "" {
		return nil, status.Error(codes.InvalidArgument, "identity is required")
	}
	outcomes, err := fn(ctx, identity, ids)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return outcomesResponse(outcomes)
}

func (s *Server) authorized(ctx context.Context) bool {
	if s.apiKey == "" {
		return true
	}
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(apiKeyHeader)
	if len(vals) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(vals[0]), []byte(s.apiKey)) == 1
}

func unaryHandler(call func(authorityServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(authorityServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(authorityServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*authorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authenticate", Handler: unaryHandler(authorityServer.Authenticate, methodAuthenticate)},
		{MethodName: "GrantBatch", Handler: unaryHandler(authorityServer.GrantBatch, methodGrantBatch)},
		{MethodName: "RevokeBatch", Handler: unaryHandler(authorityServer.RevokeBatch, methodRevokeBatch)},
		{MethodName: "ValidateIdentity", Handler: unaryHandler(authorityServer.ValidateIdentity, methodValidateIdentity)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scriptgate/authority/v1/authority.proto",
}
