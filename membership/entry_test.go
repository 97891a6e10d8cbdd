package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	nodeX = NewNodeAddress("10.0.0.1", 11111, 1)
	nodeY = NewNodeAddress("10.0.0.2", 11111, 1)
	nodeZ = NewNodeAddress("10.0.0.3", 11111, 1)
	nodeW = NewNodeAddress("10.0.0.4", 11111, 1)
)

func TestEntry_FreshVotes(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 2 * time.Minute

	e := Entry{SuspectTimes: []SuspectVote{
		{Accuser: nodeX, Time: now.Add(-3 * time.Minute)}, // stale
		{Accuser: nodeY, Time: now.Add(-time.Minute)},
		{Accuser: nodeY, Time: now.Add(-10 * time.Second)}, // newer vote by Y
		{Accuser: nodeZ, Time: now.Add(time.Second)},       // future counts
	}}

	fresh := e.FreshVotes(now, window)
	assert.Len(t, fresh, 2)
	assert.Equal(t, nodeY, fresh[0].Accuser)
	assert.True(t, fresh[0].Time.Equal(now.Add(-10*time.Second)))
	assert.Equal(t, nodeZ, fresh[1].Accuser)

	assert.False(t, e.HasVoteFrom(nodeX, now, window))
	assert.True(t, e.HasVoteFrom(nodeY, now, window))
	assert.Empty(t, Entry{}.FreshVotes(now, window))
}

func TestEntry_AddSuspector(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 2 * time.Minute

	e := Entry{SuspectTimes: []SuspectVote{
		{Accuser: nodeX, Time: now.Add(-5 * time.Minute)},
		{Accuser: nodeY, Time: now.Add(-time.Minute)},
	}}
	e.AddSuspector(nodeY, now, window)

	// X's stale vote is pruned, Y keeps a single refreshed vote
	assert.Len(t, e.SuspectTimes, 1)
	assert.Equal(t, nodeY, e.SuspectTimes[0].Accuser)
	assert.True(t, e.SuspectTimes[0].Time.Equal(now))

	e.AddSuspector(nodeZ, now, window)
	assert.Len(t, e.SuspectTimes, 2)
}

func TestEntry_CloneIsDeep(t *testing.T) {
	e := Entry{Address: nodeX, SuspectTimes: []SuspectVote{{Accuser: nodeY}}}
	c := e.Clone()
	c.SuspectTimes[0].Accuser = nodeZ
	assert.Equal(t, nodeY, e.SuspectTimes[0].Accuser)
}

func TestEntry_Heartbeats(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{StartTime: start}
	assert.True(t, e.LastHeartbeat().Equal(start))

	e.IAmAliveTime = start.Add(time.Minute)
	assert.True(t, e.LastHeartbeat().Equal(start.Add(time.Minute)))

	now := start.Add(3 * time.Minute)
	assert.True(t, e.HasMissedHeartbeats(now, time.Minute))
	assert.False(t, e.HasMissedHeartbeats(now, 5*time.Minute))
	assert.False(t, e.HasMissedHeartbeats(now, 0), "zero allowance disables the check")
}

func TestIsDefunct(t *testing.T) {
	cutoff := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)

	assert.True(t, IsDefunct(Entry{Status: StatusDead, IAmAliveTime: old}, cutoff))
	assert.True(t, IsDefunct(Entry{Status: StatusJoining, StartTime: old}, cutoff))
	assert.False(t, IsDefunct(Entry{Status: StatusActive, IAmAliveTime: old}, cutoff))
	assert.False(t, IsDefunct(Entry{Status: StatusDead, IAmAliveTime: cutoff.Add(time.Second)}, cutoff))
}
