package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"schoolhub/identity/internal/model"
	"schoolhub/identity/internal/session"
)

const (
	serviceName             = "identity.v1.IdentityService"
	verifyAccessTokenMethod = "/" + serviceName + "/VerifyAccessToken"
	getUserMethod           = "/" + serviceName + "/GetUser"
)

// IdentityService is the API other school services use to check the tokens
// their callers present. Messages are protobuf well-known types, so no
// generated code is needed on either side.
type IdentityService interface {
	VerifyAccessToken(ctx context.Context, token *wrapperspb.StringValue) (*structpb.Struct, error)
	GetUser(ctx context.Context, userID *wrapperspb.StringValue) (*structpb.Struct, error)
}

var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IdentityService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifyAccessToken", Handler: verifyAccessTokenHandler},
		{MethodName: "GetUser", Handler: getUserHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/identity.proto",
}

func RegisterIdentityService(registrar grpc.ServiceRegistrar, srv IdentityService) {
	registrar.RegisterService(&IdentityServiceDesc, srv)
}

func verifyAccessTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityService).VerifyAccessToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: verifyAccessTokenMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityService).VerifyAccessToken(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getUserHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityService).GetUser(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getUserMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityService).GetUser(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type IdentityServer struct {
	sessions *session.Service
	log      logrus.FieldLogger
}

func NewIdentityServer(sessions *session.Service, log logrus.FieldLogger) *IdentityServer {
	return &IdentityServer{sessions: sessions, log: log}
}

func (s *IdentityServer) VerifyAccessToken(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	token := strings.TrimSpace(req.GetValue())
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token required")
	}
	user, err := s.sessions.Authenticate(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTokenExpired):
			return nil, status.Error(codes.Unauthenticated, "token_expired")
		case errors.Is(err, session.ErrTokenInvalid):
			return nil, status.Error(codes.Unauthenticated, "invalid_token")
		case errors.Is(err, session.ErrUnauthenticated):
			return nil, status.Error(codes.Unauthenticated, "unauthenticated")
		}
		s.log.WithError(err).WithField("op", "grpc_verify_access_token").Error("verify failed")
		return nil, status.Error(codes.Internal, "lookup failed")
	}
	return userStruct(user, false)
}

func (s *IdentityServer) GetUser(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	userID := strings.TrimSpace(req.GetValue())
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id required")
	}
	user, err := s.sessions.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "user not found")
		}
		s.log.WithError(err).WithField("op", "grpc_get_user").Error("lookup failed")
		return nil, status.Error(codes.Internal, "lookup failed")
	}
	return userStruct(user, true)
}

func userStruct(user model.User, withStatus bool) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"userId": user.ID,
		"email":  user.Email,
		"role":   string(user.Role),
	}
	if withStatus {
		fields["isActive"] = user.IsActive
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return out, nil
}

// Client calls IdentityService on a connection dialed by the caller.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) VerifyAccessToken(ctx context.Context, token string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, verifyAccessTokenMethod, wrapperspb.String(token), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetUser(ctx context.Context, userID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getUserMethod, wrapperspb.String(userID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
