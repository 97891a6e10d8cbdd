package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/burrow/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_ActiveNodeIsHealthy(t *testing.T) {
	c := newCluster(t)
	x := c.active(1001)
	c.active(1002)
	c.active(1003)
	require.NoError(t, x.Refresh(context.Background()))

	score, complaints := x.Health().Check(c.clock.Now())
	assert.Equal(t, 0, score)
	assert.Empty(t, complaints)
}

func TestHealth_InactiveNodeIsWorst(t *testing.T) {
	c := newCluster(t)
	x := c.node(1001, 1, nil)
	assert.Equal(t, membership.MaxHealthScore, x.Health().Score(), "no row yet")

	require.NoError(t, x.Join(context.Background()))
	require.NoError(t, x.Refresh(context.Background()))
	score, complaints := x.Health().Check(c.clock.Now())
	assert.Equal(t, membership.MaxHealthScore, score)
	assert.NotEmpty(t, complaints)
}

func TestHealth_VotesAgainstSelfCount(t *testing.T) {
	c := newCluster(t)
	x := c.active(1001)
	y := c.active(1002)
	c.active(1003)

	ok, err := y.TryToSuspectOrKill(context.Background(), x.Self())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, x.Refresh(context.Background()))

	assert.Equal(t, 1, x.Health().Score())

	// the vote ages out
	c.clock.Advance(c.config.DeathVoteExpiration + time.Second)
	x.Health().RecordProbeRequest()
	x.Health().RecordProbeResponse()
	assert.Equal(t, 0, x.Health().Score())
}

func TestHealth_ProbeStarvation(t *testing.T) {
	c := newCluster(t)
	x := c.active(1001)
	c.active(1002)
	c.active(1003)
	require.NoError(t, x.Refresh(context.Background()))
	require.Equal(t, 0, x.Health().Score(), "nothing expected before a full detection window")

	window := c.config.ProbeTimeout * time.Duration(c.config.NumMissedProbesLimit)
	c.clock.Advance(window + time.Millisecond)
	assert.Equal(t, 2, x.Health().Score(), "no probes in or out")

	x.Health().RecordProbeRequest()
	assert.Equal(t, 1, x.Health().Score())

	x.Health().RecordProbeResponse()
	assert.Equal(t, 0, x.Health().Score())
}

func TestHealth_ProbeTimeoutExtension(t *testing.T) {
	c := newCluster(t)
	x := c.node(1001, 1, nil)

	timeout, score := x.Health().ProbeTimeout()
	assert.Equal(t, membership.MaxHealthScore, score)
	assert.Equal(t, c.config.ProbeTimeout*time.Duration(1+membership.MaxHealthScore), timeout)

	c.config.ExtendProbeTimeout = false
	y := c.node(1002, 1, nil)
	timeout, score = y.Health().ProbeTimeout()
	assert.Equal(t, 0, score)
	assert.Equal(t, c.config.ProbeTimeout, timeout)
}
