package grpc

import (
	"context"
	"crypto/subtle"

	"github.com/maxpert/burrow/cfg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClusterSecretHeader carries the shared cluster secret on every peer RPC
const ClusterSecretHeader = "x-burrow-cluster-secret"

// secretGuard holds the cluster secret read from configuration when a server
// or client is built. An empty secret disables both checking and sending.
type secretGuard struct {
	secret []byte
}

func newSecretGuard() secretGuard {
	if !cfg.IsClusterAuthEnabled() {
		return secretGuard{}
	}
	return secretGuard{secret: []byte(cfg.GetClusterSecret())}
}

func (g secretGuard) enabled() bool {
	return len(g.secret) > 0
}

// check rejects an incoming call whose metadata lacks the matching secret
func (g secretGuard) check(ctx context.Context) error {
	if !g.enabled() {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	presented := md.Get(ClusterSecretHeader)
	if len(presented) == 0 {
		return status.Error(codes.Unauthenticated, "cluster secret required")
	}
	if subtle.ConstantTimeCompare([]byte(presented[0]), g.secret) != 1 {
		return status.Error(codes.Unauthenticated, "cluster secret rejected")
	}
	return nil
}

// attach adds the secret to an outgoing call
func (g secretGuard) attach(ctx context.Context) context.Context {
	if !g.enabled() {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, ClusterSecretHeader, string(g.secret))
}

func (g secretGuard) unaryServer(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (g secretGuard) unaryClient(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(g.attach(ctx), method, req, reply, cc, opts...)
}

// UnaryServerInterceptor validates the configured cluster secret on every unary RPC.
// All burrow services are unary.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return newSecretGuard().unaryServer
}

// UnaryClientInterceptor sends the configured cluster secret with every unary RPC
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return newSecretGuard().unaryClient
}
