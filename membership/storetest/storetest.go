// Package storetest holds the contract suite every membership store must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/burrow/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store scoped to clusterID
type Factory func(t *testing.T, clusterID string) membership.Store

var clusterSeq atomic.Int64

func newClusterID(t *testing.T) string {
	return fmt.Sprintf("storetest-%d-%d", time.Now().UnixNano(), clusterSeq.Add(1))
}

// Addr builds a test address on localhost
func Addr(port int, gen int32) membership.NodeAddress {
	return membership.NewNodeAddress("127.0.0.1", port, gen)
}

// NewEntry builds a Joining entry with second-aligned timestamps
func NewEntry(addr membership.NodeAddress) membership.Entry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return membership.Entry{
		Address:      addr,
		Status:       membership.StatusJoining,
		HostName:     "host-" + addr.Endpoint(),
		RoleName:     "worker",
		NodeName:     fmt.Sprintf("node-%d", addr.Port),
		StartTime:    now,
		IAmAliveTime: now,
	}
}

// RequireEntryEqual compares entries field by field with time.Equal
func RequireEntryEqual(t *testing.T, want, got membership.Entry) {
	t.Helper()
	require.Equal(t, want.Address, got.Address)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.HostName, got.HostName)
	require.Equal(t, want.RoleName, got.RoleName)
	require.Equal(t, want.NodeName, got.NodeName)
	require.True(t, want.StartTime.Equal(got.StartTime), "start time %s != %s", want.StartTime, got.StartTime)
	require.True(t, want.IAmAliveTime.Equal(got.IAmAliveTime), "alive time %s != %s", want.IAmAliveTime, got.IAmAliveTime)
	require.Len(t, got.SuspectTimes, len(want.SuspectTimes))
	for i := range want.SuspectTimes {
		require.Equal(t, want.SuspectTimes[i].Accuser, got.SuspectTimes[i].Accuser)
		require.True(t, want.SuspectTimes[i].Time.Equal(got.SuspectTimes[i].Time))
	}
}

// Run executes the contract suite. Each case gets a fresh cluster id.
func Run(t *testing.T, factory Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s membership.Store, clusterID string)
	}{
		{"InitializeIsIdempotent", testInitializeIdempotent},
		{"InitializeConcurrently", testInitializeConcurrently},
		{"ReadBeforeInitialize", testReadBeforeInitialize},
		{"InsertAndRead", testInsertAndRead},
		{"InsertDuplicateAddress", testInsertDuplicate},
		{"InsertStaleVersion", testInsertStaleVersion},
		{"UpdateRow", testUpdateRow},
		{"UpdateMissingRow", testUpdateMissingRow},
		{"ConcurrentInsertOneWinner", testConcurrentInsert},
		{"ConcurrentUpdatesSerialize", testConcurrentUpdates},
		{"UpdateIAmAlive", testUpdateIAmAlive},
		{"UpdateIAmAliveMissingRow", testUpdateIAmAliveMissing},
		{"DeleteAllEntries", testDeleteAll},
		{"CleanupDefunctEntries", testCleanupDefunct},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clusterID := newClusterID(t)
			tc.fn(t, factory(t, clusterID), clusterID)
		})
	}
}

func initialized(t *testing.T, s membership.Store) membership.TableData {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InitializeMembershipTable(ctx, true))
	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	return data
}

func mustInsert(t *testing.T, s membership.Store, e membership.Entry) membership.TableVersion {
	t.Helper()
	ctx := context.Background()
	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	ok, err := s.InsertRow(ctx, e, data.Version)
	require.NoError(t, err)
	require.True(t, ok, "insert of %s should succeed", e.Address)

	after, err := s.ReadAll(ctx)
	require.NoError(t, err)
	return after.Version
}

func testInitializeIdempotent(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	require.NoError(t, s.InitializeMembershipTable(ctx, false))

	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, data.Rows)
	assert.Equal(t, int64(0), data.Version.Version)
	assert.NotEmpty(t, data.Version.ETag)

	mustInsert(t, s, NewEntry(Addr(1000, 1)))

	// A second unforced init must not reset the version row
	require.NoError(t, s.InitializeMembershipTable(ctx, false))
	after, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Version.Version)
	assert.Len(t, after.Rows, 1)
}

func testInitializeConcurrently(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.InitializeMembershipTable(ctx, false)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), data.Version.Version)
}

func testReadBeforeInitialize(t *testing.T, s membership.Store, _ string) {
	_, err := s.ReadAll(context.Background())
	require.ErrorIs(t, err, membership.ErrTableNotInitialized)
}

func testInsertAndRead(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	initial := initialized(t, s)

	e := NewEntry(Addr(1000, 1))
	ok, err := s.InsertRow(ctx, e, initial.Version)
	require.NoError(t, err)
	require.True(t, ok)

	all, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all.Rows, 1)
	assert.Equal(t, initial.Version.Version+1, all.Version.Version)
	assert.NotEqual(t, initial.Version.ETag, all.Version.ETag)
	assert.NotEmpty(t, all.Rows[0].ETag)
	RequireEntryEqual(t, e, all.Rows[0].Entry)

	one, err := s.ReadRow(ctx, e.Address)
	require.NoError(t, err)
	require.Len(t, one.Rows, 1)
	assert.Equal(t, all.Version, one.Version)
	RequireEntryEqual(t, e, one.Rows[0].Entry)

	none, err := s.ReadRow(ctx, Addr(1000, 2))
	require.NoError(t, err)
	assert.Empty(t, none.Rows)
	assert.Equal(t, all.Version, none.Version)
}

func testInsertDuplicate(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	initialized(t, s)

	e := NewEntry(Addr(1000, 1))
	version := mustInsert(t, s, e)

	ok, err := s.InsertRow(ctx, e, version)
	require.NoError(t, err)
	assert.False(t, ok, "same address must not be inserted twice")

	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, data.Rows, 1)
	assert.Equal(t, version, data.Version)
}

// testInsertStaleVersion: A inserts with the initial version, B's insert with the
// same version fails, B re-reads and succeeds with a different address.
func testInsertStaleVersion(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	v1 := initialized(t, s).Version

	ok, err := s.InsertRow(ctx, NewEntry(Addr(1000, 1)), v1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.InsertRow(ctx, NewEntry(Addr(1000, 1)), v1)
	require.NoError(t, err)
	require.False(t, ok)

	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	v2 := data.Version
	assert.Equal(t, v1.Version+1, v2.Version)

	ok, err = s.InsertRow(ctx, NewEntry(Addr(2000, 1)), v1)
	require.NoError(t, err)
	require.False(t, ok, "stale version must be rejected even for a new address")

	ok, err = s.InsertRow(ctx, NewEntry(Addr(2000, 1)), v2)
	require.NoError(t, err)
	require.True(t, ok)

	data, err = s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.Version+2, data.Version.Version)
	assert.Len(t, data.Rows, 2)
}

func testUpdateRow(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	initialized(t, s)

	e := NewEntry(Addr(1000, 1))
	mustInsert(t, s, e)

	data, err := s.ReadRow(ctx, e.Address)
	require.NoError(t, err)
	row := data.Rows[0]

	updated := row.Entry.Clone()
	updated.Status = membership.StatusActive
	updated.AddSuspector(Addr(2000, 1), time.Now().UTC().Truncate(time.Millisecond), time.Minute)

	ok, err := s.UpdateRow(ctx, updated, row.ETag, data.Version)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := s.ReadRow(ctx, e.Address)
	require.NoError(t, err)
	require.Len(t, after.Rows, 1)
	assert.Equal(t, data.Version.Version+1, after.Version.Version)
	assert.NotEqual(t, row.ETag, after.Rows[0].ETag, "row etag must change on update")
	RequireEntryEqual(t, updated, after.Rows[0].Entry)

	again := after.Rows[0].Entry.Clone()
	again.Status = membership.StatusDead

	ok, err = s.UpdateRow(ctx, again, row.ETag, after.Version)
	require.NoError(t, err)
	assert.False(t, ok, "stale row etag must be rejected")

	ok, err = s.UpdateRow(ctx, again, after.Rows[0].ETag, data.Version)
	require.NoError(t, err)
	assert.False(t, ok, "stale table version must be rejected")

	final, err := s.ReadRow(ctx, e.Address)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, final.Rows[0].Entry.Status)
	assert.Equal(t, after.Version, final.Version)
}

func testUpdateMissingRow(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	data := initialized(t, s)

	ok, err := s.UpdateRow(ctx, NewEntry(Addr(1000, 1)), "nope", data.Version)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentInsert(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	version := initialized(t, s).Version

	const writers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.InsertRow(ctx, NewEntry(Addr(3000+i, 1)), version)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), wins.Load(), "exactly one insert may win a version")

	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, data.Rows, 1)
	assert.Equal(t, version.Version+1, data.Version.Version)
}

// testConcurrentUpdates has every writer add its own vote with read-modify-write
// retries. No vote may be lost and the version counts every success.
func testConcurrentUpdates(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	initialized(t, s)

	target := NewEntry(Addr(1000, 1))
	start := mustInsert(t, s, target)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accuser := Addr(4000+i, 1)
			for attempt := 0; attempt < 500; attempt++ {
				data, err := s.ReadRow(ctx, target.Address)
				if err != nil {
					errs <- err
					return
				}
				row := data.Rows[0]
				e := row.Entry.Clone()
				e.AddSuspector(accuser, time.Now().UTC(), time.Hour)
				ok, err := s.UpdateRow(ctx, e, row.ETag, data.Version)
				if err != nil {
					errs <- err
					return
				}
				if ok {
					return
				}
				time.Sleep(time.Millisecond)
			}
			errs <- fmt.Errorf("writer %d never won", i)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	data, err := s.ReadRow(ctx, target.Address)
	require.NoError(t, err)
	assert.Len(t, data.Rows[0].Entry.SuspectTimes, writers)
	assert.Equal(t, start.Version+writers, data.Version.Version)
}

func testUpdateIAmAlive(t *testing.T, s membership.Store, _ string) {
	ctx := context.Background()
	initialized(t, s)

	e := NewEntry(Addr(1000, 1))
	version := mustInsert(t, s, e)

	for i := 1; i <= 3; i++ {
		beat := e.Clone()
		beat.Status = membership.StatusDead // ignored
		beat.IAmAliveTime = e.IAmAliveTime.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.UpdateIAmAlive(ctx, beat))

		data, err := s.ReadRow(ctx, e.Address)
		require.NoError(t, err)
		require.Len(t, data.Rows, 1)
		got := data.Rows[0].Entry
		assert.True(t, beat.IAmAliveTime.Equal(got.IAmAliveTime))
		assert.Equal(t, membership.StatusJoining, got.Status, "heartbeat must not alter status")
		assert.Equal(t, version, data.Version, "heartbeat must not alter table version")
	}
}

func testUpdateIAmAliveMissing(t *testing.T, s membership.Store, _ string) {
	initialized(t, s)
	err := s.UpdateIAmAlive(context.Background(), NewEntry(Addr(1000, 1)))
	require.ErrorIs(t, err, membership.ErrRowNotFound)
}

func testDeleteAll(t *testing.T, s membership.Store, clusterID string) {
	ctx := context.Background()
	initialized(t, s)
	mustInsert(t, s, NewEntry(Addr(1000, 1)))
	mustInsert(t, s, NewEntry(Addr(2000, 1)))

	require.NoError(t, s.DeleteAllEntries(ctx, clusterID))

	_, err := s.ReadAll(ctx)
	require.ErrorIs(t, err, membership.ErrTableNotInitialized)

	require.NoError(t, s.InitializeMembershipTable(ctx, false))
	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, data.Rows)
	assert.Equal(t, int64(0), data.Version.Version)
}

func testCleanupDefunct(t *testing.T, s membership.Store, _ string) {
	cleaner, ok := s.(membership.DefunctCleaner)
	if !ok {
		t.Skip("store does not implement DefunctCleaner")
	}

	ctx := context.Background()
	initialized(t, s)

	old := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)

	oldDead := NewEntry(Addr(1000, 1))
	oldDead.Status = membership.StatusDead
	oldDead.IAmAliveTime = old
	mustInsert(t, s, oldDead)

	oldActive := NewEntry(Addr(2000, 1))
	oldActive.Status = membership.StatusActive
	oldActive.IAmAliveTime = old
	mustInsert(t, s, oldActive)

	freshDead := NewEntry(Addr(3000, 1))
	freshDead.Status = membership.StatusDead
	mustInsert(t, s, freshDead)

	require.NoError(t, cleaner.CleanupDefunctEntries(ctx, time.Now().Add(-time.Hour)))

	data, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]membership.NodeAddress{oldActive.Address, freshDead.Address},
		data.Addresses(nil))
}
