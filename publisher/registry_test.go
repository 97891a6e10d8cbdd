package publisher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	recordingSinks   = map[string]*mockSink{}
	recordingSinksMu sync.Mutex
)

func init() {
	// the real sinks live in publisher/sink, which imports this package
	RegisterSink("recording", func(config cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		recordingSinksMu.Lock()
		recordingSinks[config.Name] = s
		recordingSinksMu.Unlock()
		return s, nil
	})
}

func recordingSink(t *testing.T, name string) *mockSink {
	t.Helper()
	recordingSinksMu.Lock()
	defer recordingSinksMu.Unlock()
	s, ok := recordingSinks[name]
	require.True(t, ok, "sink %s was not created", name)
	return s
}

func sinkConfig(name string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           name,
		Type:           "recording",
		Format:         "json",
		PollIntervalMS: 10,
		RetryInitialMS: 5,
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)

	bad := sinkConfig("bad-type")
	bad.Type = "carrier-pigeon"
	_, err = NewRegistry(RegistryConfig{DataDir: t.TempDir(), SinkConfigs: []cfg.SinkConfiguration{bad}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")

	bad = sinkConfig("bad-format")
	bad.Format = "xml"
	_, err = NewRegistry(RegistryConfig{DataDir: t.TempDir(), SinkConfigs: []cfg.SinkConfiguration{bad}})
	assert.Error(t, err)

	bad = sinkConfig("bad-filter")
	bad.FilterRoles = []string{"[oops"}
	_, err = NewRegistry(RegistryConfig{DataDir: t.TempDir(), SinkConfigs: []cfg.SinkConfiguration{bad}})
	assert.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		ClusterID:   "c1",
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("lifecycle")},
	})
	require.NoError(t, err)

	assert.Error(t, r.Append(testEvents(1)), "append before start")

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start")
	require.NoError(t, r.Append(testEvents(2)))

	waitForCount(t, recordingSink(t, "lifecycle"), 2)

	r.Stop()
	r.Stop()
	assert.Error(t, r.Append(testEvents(1)), "append after stop")
}

func TestRegistry_ObservesOracleChanges(t *testing.T) {
	self := membership.NewNodeAddress("10.0.0.1", 11111, 1)
	oracle := membership.NewOracle(self)
	defer oracle.Close()

	dbOnly := sinkConfig("observe-db")
	dbOnly.FilterRoles = []string{"db*"}

	r, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		ClusterID:   "prod",
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("observe-all"), dbOnly},
	})
	require.NoError(t, err)
	r.now = func() time.Time { return time.UnixMilli(42) }
	r.Observe(oracle)

	// changes before Start are not recorded
	early := membership.NewNodeAddress("10.0.0.9", 11111, 1)
	oracle.ApplyEntry(membership.Entry{Address: early, Status: membership.StatusActive, RoleName: "db"})

	require.NoError(t, r.Start())
	defer r.Stop()

	peer := membership.NewNodeAddress("10.0.0.2", 11111, 5)
	entry := membership.Entry{Address: peer, Status: membership.StatusActive, HostName: "db-2", RoleName: "db-primary"}
	oracle.ApplyEntry(entry)
	entry.Status = membership.StatusDead
	oracle.ApplyEntry(entry)

	web := membership.NewNodeAddress("10.0.0.3", 11111, 1)
	oracle.ApplyEntry(membership.Entry{Address: web, Status: membership.StatusActive, RoleName: "web"})

	all := recordingSink(t, "observe-all")
	waitForCount(t, all, 3)
	dbs := recordingSink(t, "observe-db")
	waitForCount(t, dbs, 2)

	var events []MembershipEvent
	for _, call := range all.published() {
		var e MembershipEvent
		require.NoError(t, json.Unmarshal(call.value, &e))
		assert.Equal(t, "burrow.membership.prod", call.topic)
		events = append(events, e)
	}

	require.Len(t, events, 3)
	assert.Equal(t, MembershipEvent{
		SeqNum:     1,
		ClusterID:  "prod",
		Address:    peer.String(),
		Previous:   "",
		Current:    "ACTIVE",
		HostName:   "db-2",
		RoleName:   "db-primary",
		ObservedBy: self.String(),
		Timestamp:  42,
	}, events[0])
	assert.Equal(t, "ACTIVE", events[1].Previous)
	assert.Equal(t, "DEAD", events[1].Current)
	assert.Equal(t, web.String(), events[2].Address)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dbs.count())
}

func TestRegistry_StopClosesSinks(t *testing.T) {
	closed := &closeTrackingSink{}
	RegisterSink("close-tracking", func(cfg.SinkConfiguration) (Sink, error) { return closed, nil })

	r, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "tracked", Type: "close-tracking"}},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	r.Stop()

	assert.True(t, closed.closed)
}

type closeTrackingSink struct {
	closed bool
}

func (c *closeTrackingSink) Publish(string, string, []byte) error { return nil }
func (c *closeTrackingSink) Close() error {
	c.closed = true
	return nil
}
