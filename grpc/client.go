package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/membership"
	"github.com/maxpert/burrow/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const maxMessageSize = 4 * 1024 * 1024

// createDialOptions returns common gRPC dial options
func createDialOptions() []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	if cfg.Config != nil {
		keepaliveTime = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeoutSeconds) * time.Second
	}

	callOpts := []grpc.CallOption{
		grpc.CallContentSubtype(codecName),
		grpc.MaxCallRecvMsgSize(maxMessageSize),
		grpc.MaxCallSendMsgSize(maxMessageSize),
	}
	if name := compressorName(); name != "" {
		callOpts = append(callOpts, grpc.UseCompressor(name))
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor()),
	}
}

// Client talks to peer nodes. It implements membership.Prober and membership.Gossiper.
// One connection is kept per endpoint.
type Client struct {
	self          membership.NodeAddress
	conns         *xsync.MapOf[string, *grpc.ClientConn]
	gossipTimeout time.Duration
}

// NewClient creates a client sending on behalf of self
func NewClient(self membership.NodeAddress, gossipTimeout time.Duration) *Client {
	if gossipTimeout <= 0 {
		gossipTimeout = 2 * time.Second
	}
	return &Client{
		self:          self,
		conns:         xsync.NewMapOf[string, *grpc.ClientConn](),
		gossipTimeout: gossipTimeout,
	}
}

// conn returns the cached connection for endpoint, creating it on first use.
// Connections are lazy; dialing happens on the first RPC.
func (c *Client) conn(endpoint string) (*grpc.ClientConn, error) {
	if conn, ok := c.conns.Load(endpoint); ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(endpoint, createDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", endpoint, err)
	}

	actual, loaded := c.conns.LoadOrStore(endpoint, conn)
	if loaded {
		conn.Close()
		return actual, nil
	}
	log.Debug().Str("endpoint", endpoint).Msg("Created peer connection")
	return conn, nil
}

// Disconnect closes the connection to addr's endpoint
func (c *Client) Disconnect(addr membership.NodeAddress) {
	endpoint := addr.Endpoint()
	if conn, ok := c.conns.LoadAndDelete(endpoint); ok {
		log.Debug().Str("endpoint", endpoint).Msg("Closing peer connection")
		conn.Close()
	}
}

// Close closes every peer connection
func (c *Client) Close() error {
	c.conns.Range(func(endpoint string, conn *grpc.ClientConn) bool {
		conn.Close()
		c.conns.Delete(endpoint)
		return true
	})
	return nil
}

// Probe sends a direct probe to target
func (c *Client) Probe(ctx context.Context, target membership.NodeAddress) error {
	conn, err := c.conn(target.Endpoint())
	if err != nil {
		return err
	}

	resp, err := invoke[ProbeResponse](ctx, conn, probeMethod, &ProbeRequest{Sender: c.self, Target: target})
	if err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	if !resp.OK {
		return fmt.Errorf("probe %s: answered by %s in status %s", target, resp.Self, resp.Status)
	}
	return nil
}

// ProbeIndirect asks intermediary to probe target within timeout
func (c *Client) ProbeIndirect(ctx context.Context, intermediary, target membership.NodeAddress, timeout time.Duration) error {
	conn, err := c.conn(intermediary.Endpoint())
	if err != nil {
		return err
	}

	req := &ProbeIndirectRequest{Sender: c.self, Target: target, TimeoutMS: timeout.Milliseconds()}
	resp, err := invoke[ProbeIndirectResponse](ctx, conn, probeIndirectMethod, req)
	if err != nil {
		return fmt.Errorf("indirect probe of %s via %s: %w", target, intermediary, err)
	}
	if !resp.OK && resp.HealthScore > 0 {
		return &membership.DegradedIntermediaryError{Intermediary: intermediary, Score: resp.HealthScore, Reason: resp.Error}
	}
	if !resp.OK {
		return fmt.Errorf("indirect probe of %s via %s: %s", target, intermediary, resp.Error)
	}
	return nil
}

// Gossip sends entry to every target concurrently and returns without waiting.
// Failures are logged and counted, never retried.
func (c *Client) Gossip(ctx context.Context, sender membership.NodeAddress, targets []membership.NodeAddress, entry membership.Entry) {
	req := &GossipRequest{Sender: sender, Entry: entry}
	for _, target := range targets {
		go c.sendGossip(ctx, target, req)
	}
}

func (c *Client) sendGossip(ctx context.Context, target membership.NodeAddress, req *GossipRequest) {
	conn, err := c.conn(target.Endpoint())
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, c.gossipTimeout)
		_, err = invoke[Empty](sctx, conn, gossipMethod, req)
		cancel()
	}

	if err != nil {
		telemetry.GossipFailuresTotal.Inc()
		log.Debug().
			Err(err).
			Str("target", target.String()).
			Str("node", req.Entry.Address.String()).
			Msg("Gossip send failed")
		return
	}
	telemetry.GossipMessagesTotal.With("sent").Inc()
}
