package db

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/burrow/membership"
)

// MemoryStore keeps one cluster's table in process memory.
// Used by tests and by single-process deployments hosting the table for remote peers.
type MemoryStore struct {
	clusterID string

	mu          sync.Mutex
	initialized bool
	version     membership.TableVersion
	rows        map[membership.NodeAddress]membership.Row
}

var (
	_ Store                     = (*MemoryStore)(nil)
	_ membership.DefunctCleaner = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty, uninitialized table for clusterID
func NewMemoryStore(clusterID string) *MemoryStore {
	return &MemoryStore{
		clusterID: clusterID,
		rows:      make(map[membership.NodeAddress]membership.Row),
	}
}

// InitializeMembershipTable creates the version row
func (s *MemoryStore) InitializeMembershipTable(_ context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized && !force {
		return nil
	}
	s.version = membership.TableVersion{Version: 0, ETag: newETag()}
	s.initialized = true
	return nil
}

func (s *MemoryStore) snapshotLocked(keep func(membership.NodeAddress) bool) membership.TableData {
	data := membership.TableData{Version: s.version}
	for addr, row := range s.rows {
		if keep != nil && !keep(addr) {
			continue
		}
		data.Rows = append(data.Rows, membership.Row{Entry: row.Entry.Clone(), ETag: row.ETag})
	}
	return data
}

// ReadAll returns every row
func (s *MemoryStore) ReadAll(_ context.Context) (membership.TableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return membership.TableData{}, membership.ErrTableNotInitialized
	}
	return s.snapshotLocked(nil), nil
}

// ReadRow returns the row for addr
func (s *MemoryStore) ReadRow(_ context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return membership.TableData{}, membership.ErrTableNotInitialized
	}
	return s.snapshotLocked(func(a membership.NodeAddress) bool { return a == addr }), nil
}

func (s *MemoryStore) bumpVersionLocked() {
	s.version = membership.TableVersion{Version: s.version.Version + 1, ETag: newETag()}
}

// InsertRow adds entry when the address is new and expected is current
func (s *MemoryStore) InsertRow(_ context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, membership.ErrTableNotInitialized
	}
	if s.version != expected {
		return false, nil
	}
	if _, exists := s.rows[entry.Address]; exists {
		return false, nil
	}

	s.rows[entry.Address] = membership.Row{Entry: entry.Clone(), ETag: newETag()}
	s.bumpVersionLocked()
	return true, nil
}

// UpdateRow replaces the row when both concurrency tokens match
func (s *MemoryStore) UpdateRow(_ context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, membership.ErrTableNotInitialized
	}
	row, exists := s.rows[entry.Address]
	if !exists || row.ETag != etag || s.version != expected {
		return false, nil
	}

	s.rows[entry.Address] = membership.Row{Entry: entry.Clone(), ETag: newETag()}
	s.bumpVersionLocked()
	return true, nil
}

// UpdateIAmAlive writes only the heartbeat time
func (s *MemoryStore) UpdateIAmAlive(_ context.Context, entry membership.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[entry.Address]
	if !exists {
		return membership.ErrRowNotFound
	}
	row.Entry.IAmAliveTime = entry.IAmAliveTime
	row.ETag = newETag()
	s.rows[entry.Address] = row
	return nil
}

// DeleteAllEntries wipes the table when clusterID is the one this store serves
func (s *MemoryStore) DeleteAllEntries(_ context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clusterID != s.clusterID {
		return nil
	}
	s.rows = make(map[membership.NodeAddress]membership.Row)
	s.version = membership.TableVersion{}
	s.initialized = false
	return nil
}

// CleanupDefunctEntries drops non-active rows that stopped heartbeating before the cutoff
func (s *MemoryStore) CleanupDefunctEntries(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, row := range s.rows {
		if membership.IsDefunct(row.Entry, before) {
			delete(s.rows, addr)
		}
	}
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
