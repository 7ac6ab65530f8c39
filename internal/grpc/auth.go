package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const serviceTokenHeader = "x-service-token"

const (
	reasonMissingServiceToken = "missing_service_token"
	reasonInvalidServiceToken = "invalid_service_token"
)

// serviceAuth admits only collaborating services that present the shared
// token. It never sees end-user credentials.
type serviceAuth struct {
	token []byte
	log   logrus.FieldLogger
}

func NewServiceAuthUnaryInterceptor(expectedToken string, log logrus.FieldLogger) (grpc.UnaryServerInterceptor, error) {
	if strings.TrimSpace(expectedToken) == "" {
		return nil, errors.New("grpc: service auth token required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	auth := &serviceAuth{token: []byte(expectedToken), log: log}
	return auth.unary, nil
}

func (a *serviceAuth) unary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	presented, ok := incomingServiceToken(ctx)
	switch {
	case !ok:
		a.reject(ctx, info.FullMethod, reasonMissingServiceToken)
		return nil, status.Error(codes.Unauthenticated, reasonMissingServiceToken)
	case subtle.ConstantTimeCompare([]byte(presented), a.token) != 1:
		a.reject(ctx, info.FullMethod, reasonInvalidServiceToken)
		return nil, status.Error(codes.PermissionDenied, reasonInvalidServiceToken)
	}
	return handler(ctx, req)
}

func (a *serviceAuth) reject(ctx context.Context, method, reason string) {
	fields := logrus.Fields{"method": method, "reason": reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		fields["peer"] = p.Addr.String()
	}
	a.log.WithFields(fields).Warn("grpc call rejected")
}

// ServiceAuthUnaryClientInterceptor attaches the service token to outgoing
// calls made by collaborating services.
func ServiceAuthUnaryClientInterceptor(serviceToken string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, serviceTokenHeader, serviceToken)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func incomingServiceToken(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, value := range md.Get(serviceTokenHeader) {
		if value = strings.TrimSpace(value); value != "" {
			return value, true
		}
	}
	return "", false
}
