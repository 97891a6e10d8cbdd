package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/maxpert/burrow/db"
	"github.com/maxpert/burrow/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	manager *membership.Manager
	client  *Client
	server  *Server
}

func testLiveness() membership.Config {
	c := membership.DefaultConfig()
	c.HeartbeatInterval = 100 * time.Millisecond
	c.TableRefreshInterval = time.Second
	c.ProbeTimeout = 500 * time.Millisecond
	c.RetryPause = time.Millisecond
	return c
}

// startNode joins a node on store and serves its membership RPCs on a loopback port
func startNode(t *testing.T, store membership.Store) *testNode {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	self := membership.NewNodeAddress("127.0.0.1", port, 1)

	client := NewClient(self, time.Second)
	m, err := membership.NewManager(testLiveness(), store, membership.NodeInfo{
		Address:  self,
		HostName: "localhost",
		RoleName: "test",
	}, client)
	require.NoError(t, err)

	server := NewServer(ServerConfig{Address: "127.0.0.1"})
	server.RegisterMembership(NewMembershipService(m, client))
	server.Serve(listener)

	t.Cleanup(func() {
		m.Kill()
		client.Close()
		server.Stop()
	})

	ctx := context.Background()
	require.NoError(t, m.Join(ctx))
	require.NoError(t, m.BecomeActive(ctx))
	return &testNode{manager: m, client: client, server: server}
}

func TestProbe_LiveNodeAnswers(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.client.Probe(ctx, b.manager.Self()))
	require.NoError(t, b.client.Probe(ctx, a.manager.Self()))
}

func TestProbe_WrongIncarnationFails(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)

	previous := b.manager.Self()
	previous.Generation--

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.client.Probe(ctx, previous)
	require.Error(t, err)
	assert.Contains(t, err.Error(), b.manager.Self().String())
}

func TestProbe_DeadNodeRefuses(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.manager.Stop(ctx))

	assert.Error(t, a.client.Probe(ctx, b.manager.Self()))
}

func TestProbe_UnreachableNode(t *testing.T) {
	a := startNode(t, db.NewMemoryStore("test"))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, a.client.Probe(ctx, membership.NewNodeAddress("127.0.0.1", port, 1)))
}

func TestProbeIndirect(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)
	c := startNode(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.client.ProbeIndirect(ctx, b.manager.Self(), c.manager.Self(), time.Second))

	stale := c.manager.Self()
	stale.Generation++
	err := a.client.ProbeIndirect(ctx, b.manager.Self(), stale, time.Second)
	require.Error(t, err)
}

func TestProbeIndirect_DegradedIntermediary(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)
	c := startNode(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// b keeps serving after it leaves, but no longer trusts its own view
	require.NoError(t, b.manager.ShutDown(ctx))

	stale := c.manager.Self()
	stale.Generation++
	err := a.client.ProbeIndirect(ctx, b.manager.Self(), stale, time.Second)

	var degraded *membership.DegradedIntermediaryError
	require.ErrorAs(t, err, &degraded)
	assert.Equal(t, b.manager.Self(), degraded.Intermediary)
	assert.Equal(t, membership.MaxHealthScore, degraded.Score)
}

func TestProbe_ReportsHealthScore(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)

	svc := NewMembershipService(a.manager, nil)
	resp, err := svc.Probe(context.Background(), &ProbeRequest{Target: a.manager.Self()})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 0, resp.HealthScore)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.manager.ShutDown(ctx))

	resp, err = svc.Probe(context.Background(), &ProbeRequest{Target: a.manager.Self()})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, membership.MaxHealthScore, resp.HealthScore)
}

func TestGossip_AppliesToPeerView(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)

	ghost := membership.NewNodeAddress("10.9.9.9", 11111, 1)
	entry := membership.Entry{
		Address:      ghost,
		Status:       membership.StatusDead,
		HostName:     "ghost",
		IAmAliveTime: time.Now().UTC(),
	}

	a.client.Gossip(context.Background(), a.manager.Self(), []membership.NodeAddress{b.manager.Self()}, entry)

	require.Eventually(t, func() bool {
		return b.manager.Oracle().Status(ghost) == membership.StatusDead
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGossip_DeclaredDeathReachesPeers(t *testing.T) {
	store := db.NewMemoryStore("test")
	a := startNode(t, store)
	b := startNode(t, store)
	c := startNode(t, store)

	ctx := context.Background()
	for _, n := range []*testNode{a, b, c} {
		require.NoError(t, n.manager.Refresh(ctx))
	}

	// b goes dark: a and c vote, the second vote declares it dead and gossips to the rest
	_, err := a.manager.TryToSuspectOrKill(ctx, b.manager.Self())
	require.NoError(t, err)
	_, err = c.manager.TryToSuspectOrKill(ctx, b.manager.Self())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.manager.Oracle().Status(b.manager.Self()) == membership.StatusDead
	}, 5*time.Second, 10*time.Millisecond)
}
