package db

import (
	"context"
	"time"

	"github.com/maxpert/burrow/membership"
	"github.com/maxpert/burrow/telemetry"
)

// InstrumentedStore records latency and outcome of every table operation
type InstrumentedStore struct {
	inner Store
}

var _ Store = (*InstrumentedStore)(nil)

// Instrument wraps s with metrics
func Instrument(s Store) *InstrumentedStore {
	return &InstrumentedStore{inner: s}
}

// Unwrap returns the wrapped backend
func (s *InstrumentedStore) Unwrap() Store {
	return s.inner
}

func observe(op string, start time.Time, err error) {
	telemetry.TableOpSeconds.With(op).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.TableOpsTotal.With(op, "error").Inc()
		return
	}
	telemetry.TableOpsTotal.With(op, "ok").Inc()
}

func observeCAS(op string, start time.Time, ok bool, err error) {
	telemetry.TableOpSeconds.With(op).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		telemetry.TableOpsTotal.With(op, "error").Inc()
	case !ok:
		telemetry.TableOpsTotal.With(op, "conflict").Inc()
	default:
		telemetry.TableOpsTotal.With(op, "ok").Inc()
	}
}

func (s *InstrumentedStore) InitializeMembershipTable(ctx context.Context, force bool) error {
	start := time.Now()
	err := s.inner.InitializeMembershipTable(ctx, force)
	observe("initialize", start, err)
	return err
}

func (s *InstrumentedStore) ReadAll(ctx context.Context) (membership.TableData, error) {
	start := time.Now()
	data, err := s.inner.ReadAll(ctx)
	observe("read_all", start, err)
	return data, err
}

func (s *InstrumentedStore) ReadRow(ctx context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	start := time.Now()
	data, err := s.inner.ReadRow(ctx, addr)
	observe("read_row", start, err)
	return data, err
}

func (s *InstrumentedStore) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	start := time.Now()
	ok, err := s.inner.InsertRow(ctx, entry, expected)
	observeCAS("insert_row", start, ok, err)
	return ok, err
}

func (s *InstrumentedStore) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	start := time.Now()
	ok, err := s.inner.UpdateRow(ctx, entry, etag, expected)
	observeCAS("update_row", start, ok, err)
	return ok, err
}

func (s *InstrumentedStore) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	start := time.Now()
	err := s.inner.UpdateIAmAlive(ctx, entry)
	observe("update_i_am_alive", start, err)
	return err
}

func (s *InstrumentedStore) DeleteAllEntries(ctx context.Context, clusterID string) error {
	start := time.Now()
	err := s.inner.DeleteAllEntries(ctx, clusterID)
	observe("delete_all", start, err)
	return err
}

// CleanupDefunctEntries forwards to the backend when it supports cleanup
func (s *InstrumentedStore) CleanupDefunctEntries(ctx context.Context, before time.Time) error {
	cleaner, ok := s.inner.(membership.DefunctCleaner)
	if !ok {
		return membership.ErrCleanupUnsupported
	}
	start := time.Now()
	err := cleaner.CleanupDefunctEntries(ctx, before)
	observe("cleanup_defunct", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
