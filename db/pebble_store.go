package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
)

// Key layout, one keyspace per cluster:
//
//	/membership/{cluster}/version      msgpack TableVersion
//	/membership/{cluster}/row/{addr}   msgpack Row
const (
	pebblePrefixMembership = "/membership/"
	pebbleVersionSuffix    = "/version"
	pebbleRowInfix         = "/row/"
)

// PebbleStore keeps the table in a local pebble DB. Conditional writes are
// serialized by a store mutex and committed as one synced batch.
type PebbleStore struct {
	db        *pebble.DB
	path      string
	clusterID string

	mu     sync.Mutex
	closed atomic.Bool
}

var (
	_ Store                     = (*PebbleStore)(nil)
	_ membership.DefunctCleaner = (*PebbleStore)(nil)
)

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewPebbleStore opens or creates a pebble DB at path
func NewPebbleStore(path, clusterID string) (*PebbleStore, error) {
	cache := pebble.NewCache(8 << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	log.Debug().Str("path", path).Str("cluster_id", clusterID).Msg("Opened pebble membership store")
	return &PebbleStore{db: db, path: path, clusterID: clusterID}, nil
}

func clusterPrefix(clusterID string) []byte {
	return []byte(pebblePrefixMembership + clusterID)
}

func (s *PebbleStore) versionKey() []byte {
	return append(clusterPrefix(s.clusterID), pebbleVersionSuffix...)
}

func (s *PebbleStore) rowPrefix() []byte {
	return append(clusterPrefix(s.clusterID), pebbleRowInfix...)
}

func (s *PebbleStore) rowKey(addr membership.NodeAddress) []byte {
	return append(s.rowPrefix(), addr.String()...)
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

// getValue reads key and decodes it into v. Returns false when the key is absent.
func (s *PebbleStore) getValue(key []byte, v interface{}) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()

	if err := encoding.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) readVersion() (membership.TableVersion, error) {
	var v membership.TableVersion
	found, err := s.getValue(s.versionKey(), &v)
	if err != nil {
		return v, err
	}
	if !found {
		return v, membership.ErrTableNotInitialized
	}
	return v, nil
}

func (s *PebbleStore) readRow(addr membership.NodeAddress) (membership.Row, bool, error) {
	var row membership.Row
	found, err := s.getValue(s.rowKey(addr), &row)
	return row, found, err
}

func (s *PebbleStore) commit(fn func(b *pebble.Batch) error) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := fn(batch); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func setEncoded(b *pebble.Batch, key []byte, v interface{}) error {
	val, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, val, nil)
}

// InitializeMembershipTable writes the version row if absent, or always when forced
func (s *PebbleStore) InitializeMembershipTable(_ context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		if _, err := s.readVersion(); err == nil {
			return nil
		} else if !errors.Is(err, membership.ErrTableNotInitialized) {
			return err
		}
	}

	return s.commit(func(b *pebble.Batch) error {
		return setEncoded(b, s.versionKey(), membership.TableVersion{Version: 0, ETag: newETag()})
	})
}

func (s *PebbleStore) scanRows() ([]membership.Row, error) {
	prefix := s.rowPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows []membership.Row
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var row membership.Row
		if err := encoding.Unmarshal(val, &row); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
		rows = append(rows, row)
	}
	return rows, iter.Error()
}

// ReadAll returns every row
func (s *PebbleStore) ReadAll(_ context.Context) (membership.TableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.readVersion()
	if err != nil {
		return membership.TableData{}, err
	}
	rows, err := s.scanRows()
	if err != nil {
		return membership.TableData{}, fmt.Errorf("failed to scan membership rows: %w", err)
	}
	return membership.TableData{Rows: rows, Version: version}, nil
}

// ReadRow returns the row for addr
func (s *PebbleStore) ReadRow(_ context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.readVersion()
	if err != nil {
		return membership.TableData{}, err
	}
	data := membership.TableData{Version: version}

	row, found, err := s.readRow(addr)
	if err != nil {
		return membership.TableData{}, err
	}
	if found {
		data.Rows = append(data.Rows, row)
	}
	return data, nil
}

func (s *PebbleStore) writeRowAndVersion(entry membership.Entry, current membership.TableVersion) error {
	next := membership.TableVersion{Version: current.Version + 1, ETag: newETag()}
	return s.commit(func(b *pebble.Batch) error {
		if err := setEncoded(b, s.rowKey(entry.Address), membership.Row{Entry: entry, ETag: newETag()}); err != nil {
			return err
		}
		return setEncoded(b, s.versionKey(), next)
	})
}

// InsertRow adds entry when the address is new and expected is current
func (s *PebbleStore) InsertRow(_ context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.readVersion()
	if err != nil {
		return false, err
	}
	if version != expected {
		return false, nil
	}
	if _, found, err := s.readRow(entry.Address); err != nil || found {
		return false, err
	}

	if err := s.writeRowAndVersion(entry, version); err != nil {
		return false, fmt.Errorf("failed to insert row %s: %w", entry.Address, err)
	}
	return true, nil
}

// UpdateRow replaces the row when both concurrency tokens match
func (s *PebbleStore) UpdateRow(_ context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.readVersion()
	if err != nil {
		return false, err
	}
	if version != expected {
		return false, nil
	}
	row, found, err := s.readRow(entry.Address)
	if err != nil || !found || row.ETag != etag {
		return false, err
	}

	if err := s.writeRowAndVersion(entry, version); err != nil {
		return false, fmt.Errorf("failed to update row %s: %w", entry.Address, err)
	}
	return true, nil
}

// UpdateIAmAlive writes only the heartbeat time
func (s *PebbleStore) UpdateIAmAlive(_ context.Context, entry membership.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, found, err := s.readRow(entry.Address)
	if err != nil {
		return err
	}
	if !found {
		return membership.ErrRowNotFound
	}

	row.Entry.IAmAliveTime = entry.IAmAliveTime
	row.ETag = newETag()
	return s.commit(func(b *pebble.Batch) error {
		return setEncoded(b, s.rowKey(entry.Address), row)
	})
}

// DeleteAllEntries removes every key of clusterID, version row included
func (s *PebbleStore) DeleteAllEntries(_ context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Trailing slash keeps cluster "a" from matching cluster "ab"
	prefix := append(clusterPrefix(clusterID), '/')
	return s.commit(func(b *pebble.Batch) error {
		return b.DeleteRange(prefix, prefixUpperBound(prefix), nil)
	})
}

// CleanupDefunctEntries drops non-active rows that stopped heartbeating before the cutoff
func (s *PebbleStore) CleanupDefunctEntries(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.scanRows()
	if err != nil {
		return err
	}

	removed := 0
	err = s.commit(func(b *pebble.Batch) error {
		for _, row := range rows {
			if !membership.IsDefunct(row.Entry, before) {
				continue
			}
			if err := b.Delete(s.rowKey(row.Entry.Address), nil); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Time("before", before).Msg("Removed defunct membership rows")
	}
	return nil
}

// Close closes the pebble DB (idempotent)
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
