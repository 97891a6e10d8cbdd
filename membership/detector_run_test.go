package membership_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/db"
	"github.com/maxpert/burrow/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu         sync.Mutex
	down       map[membership.NodeAddress]bool
	indirectOK bool
	// degraded makes every intermediary report a failure with a bad health score
	degraded bool
	direct     int
	indirect   int
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: make(map[membership.NodeAddress]bool)}
}

func (p *fakeProber) setDown(addr membership.NodeAddress, down bool) {
	p.mu.Lock()
	p.down[addr] = down
	p.mu.Unlock()
}

func (p *fakeProber) Probe(_ context.Context, target membership.NodeAddress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direct++
	if p.down[target] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) ProbeIndirect(_ context.Context, intermediary, target membership.NodeAddress, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indirect++
	if p.down[target] && p.degraded {
		return &membership.DegradedIntermediaryError{Intermediary: intermediary, Score: 3, Reason: "timed out"}
	}
	if p.down[target] && !p.indirectOK {
		return errors.New("intermediary could not reach target")
	}
	return nil
}

func (p *fakeProber) indirectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indirect
}

func startDetector(t *testing.T, m *membership.Manager, prober membership.Prober) *membership.Detector {
	t.Helper()
	require.NoError(t, m.Refresh(context.Background()))
	d := membership.NewDetector(m, prober)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDetector_MissedProbesBecomeVotes(t *testing.T) {
	c := newCluster(t)
	x := c.active(1001)
	y := c.active(1002)
	z := c.active(1003)

	prober := newFakeProber()
	prober.setDown(y.Self(), true)
	d := startDetector(t, x, prober)

	require.Eventually(t, func() bool {
		return len(d.Targets()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []membership.NodeAddress{y.Self(), z.Self()}, d.Targets())

	require.Eventually(t, func() bool {
		data, err := c.store.ReadRow(context.Background(), y.Self())
		if err != nil || len(data.Rows) != 1 {
			return false
		}
		return data.Rows[0].Entry.HasVoteFrom(x.Self(), c.clock.Now(), c.config.DeathVoteExpiration)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, c.row(z.Self()).Entry.SuspectTimes, "healthy peers collect no votes")
	assert.Equal(t, membership.StatusActive, c.row(y.Self()).Entry.Status, "one voter is not a quorum")
}

// ctxAwareStore fails reads and writes once ctx is done, like the networked backends
type ctxAwareStore struct {
	*db.MemoryStore
}

func (s ctxAwareStore) ReadAll(ctx context.Context) (membership.TableData, error) {
	if err := ctx.Err(); err != nil {
		return membership.TableData{}, err
	}
	return s.MemoryStore.ReadAll(ctx)
}

func (s ctxAwareStore) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.UpdateRow(ctx, entry, etag, expected)
}

func TestDetector_VotesWithoutTableTimeout(t *testing.T) {
	c := newCluster(t)
	c.config.TableTimeout = 0

	x := c.nodeOn(ctxAwareStore{c.store}, 1001, 1, nil)
	require.NoError(t, x.Join(context.Background()))
	require.NoError(t, x.BecomeActive(context.Background()))
	y := c.active(1002)
	c.active(1003)

	prober := newFakeProber()
	prober.setDown(y.Self(), true)
	startDetector(t, x, prober)

	require.Eventually(t, func() bool {
		data, err := c.store.ReadRow(context.Background(), y.Self())
		if err != nil || len(data.Rows) != 1 {
			return false
		}
		return data.Rows[0].Entry.HasVoteFrom(x.Self(), c.clock.Now(), c.config.DeathVoteExpiration)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDetector_IndirectProbeSavesNode(t *testing.T) {
	c := newCluster(t)
	c.config.EnableIndirectProbes = true
	x := c.active(1001)
	y := c.active(1002)
	c.active(1003)

	prober := newFakeProber()
	prober.indirectOK = true
	prober.setDown(y.Self(), true)
	startDetector(t, x, prober)

	require.Eventually(t, func() bool {
		return prober.indirectCalls() >= 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, c.row(y.Self()).Entry.SuspectTimes)
}

func TestDetector_DegradedIntermediaryFailuresDoNotCount(t *testing.T) {
	c := newCluster(t)
	c.config.EnableIndirectProbes = true
	x := c.active(1001)
	y := c.active(1002)
	c.active(1003)

	prober := newFakeProber()
	prober.degraded = true
	prober.setDown(y.Self(), true)
	startDetector(t, x, prober)

	// well past NumMissedProbesLimit rounds
	require.Eventually(t, func() bool {
		return prober.indirectCalls() >= 3*c.config.NumMissedProbesLimit
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, c.row(y.Self()).Entry.SuspectTimes)

	// a trustworthy failure still counts
	prober.mu.Lock()
	prober.degraded = false
	prober.mu.Unlock()

	require.Eventually(t, func() bool {
		data, err := c.store.ReadRow(context.Background(), y.Self())
		if err != nil || len(data.Rows) != 1 {
			return false
		}
		return data.Rows[0].Entry.HasVoteFrom(x.Self(), c.clock.Now(), c.config.DeathVoteExpiration)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDetector_DropsDeadTargets(t *testing.T) {
	c := newCluster(t)
	x := c.active(1001)
	y := c.active(1002)
	z := c.active(1003)

	d := startDetector(t, x, newFakeProber())
	require.Eventually(t, func() bool {
		return len(d.Targets()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, z.Stop(context.Background()))
	require.NoError(t, x.Refresh(context.Background()))

	require.Eventually(t, func() bool {
		targets := d.Targets()
		return len(targets) == 1 && targets[0] == y.Self()
	}, time.Second, 5*time.Millisecond)
}

func TestDetector_IdleUntilFunctional(t *testing.T) {
	c := newCluster(t)
	x := c.node(1001, 1, nil)
	require.NoError(t, x.Join(context.Background()))
	c.active(1002)

	d := startDetector(t, x, newFakeProber())
	d.UpdateTargets()
	assert.Empty(t, d.Targets(), "a joining node does not probe")
}
