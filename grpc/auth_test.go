package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func withClusterSecret(t *testing.T, secret string) {
	t.Helper()
	orig := cfg.Config.Cluster.ClusterSecret
	cfg.Config.Cluster.ClusterSecret = secret
	t.Cleanup(func() { cfg.Config.Cluster.ClusterSecret = orig })
}

func incoming(secret string) context.Context {
	if secret == "" {
		return context.Background()
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(ClusterSecretHeader, secret))
}

func TestSecretGuard_Check(t *testing.T) {
	guard := secretGuard{secret: []byte("s3cret")}

	assert.NoError(t, guard.check(incoming("s3cret")))
	assert.Equal(t, codes.Unauthenticated, status.Code(guard.check(incoming("other"))))
	assert.Equal(t, codes.Unauthenticated, status.Code(guard.check(incoming(""))))

	open := secretGuard{}
	assert.NoError(t, open.check(incoming("")))
	assert.NoError(t, open.check(incoming("anything")))
}

func TestSecretGuard_Attach(t *testing.T) {
	md, _ := metadata.FromOutgoingContext(secretGuard{secret: []byte("s3cret")}.attach(context.Background()))
	assert.Equal(t, []string{"s3cret"}, md.Get(ClusterSecretHeader))

	_, ok := metadata.FromOutgoingContext(secretGuard{}.attach(context.Background()))
	assert.False(t, ok, "nothing sent without a secret")
}

func TestSecretGuard_ReadsConfigAtConstruction(t *testing.T) {
	withClusterSecret(t, "first")
	guard := newSecretGuard()

	cfg.Config.Cluster.ClusterSecret = "second"
	assert.NoError(t, guard.check(incoming("first")))
	assert.Error(t, guard.check(incoming("second")))
}

func TestClusterSecretOverTheWire(t *testing.T) {
	tests := []struct {
		name         string
		serverSecret string
		clientSecret string
		wantCode     codes.Code
	}{
		{"matching secrets", "cluster-a", "cluster-a", codes.OK},
		{"wrong secret", "cluster-a", "cluster-b", codes.Unauthenticated},
		{"no client secret", "cluster-a", "", codes.Unauthenticated},
		{"auth disabled", "", "", codes.OK},
		{"extra client secret ignored", "", "cluster-b", codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withClusterSecret(t, tt.serverSecret)

			listener, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)

			server := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryServerInterceptor()))
			RegisterTableServer(server, NewTableService(db.NewMemoryStore("test")))
			go server.Serve(listener)
			defer server.Stop()

			sender := secretGuard{secret: []byte(tt.clientSecret)}
			conn, err := grpc.NewClient(
				listener.Addr().String(),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
				grpc.WithChainUnaryInterceptor(sender.unaryClient),
			)
			require.NoError(t, err)
			defer conn.Close()

			_, err = invoke[Empty](context.Background(), conn, tableInitializeMethod, &InitializeRequest{})
			if got := status.Code(err); got != tt.wantCode {
				t.Errorf("expected code %v, got %v (%v)", tt.wantCode, got, err)
			}
		})
	}
}

func TestClientSendsConfiguredSecret(t *testing.T) {
	withClusterSecret(t, "shared")

	remote := serveTable(t, db.NewMemoryStore("test"))
	require.NoError(t, remote.InitializeMembershipTable(context.Background(), false))
}
