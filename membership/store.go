package membership

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTableNotInitialized is returned when the version row is missing
	ErrTableNotInitialized = errors.New("membership table not initialized")

	// ErrRowNotFound is returned by UpdateIAmAlive for an unknown node
	ErrRowNotFound = errors.New("membership row not found")
)

// Store is the storage contract every membership backend implements.
//
// InsertRow and UpdateRow return false, not an error, when a concurrency check fails.
// Errors are reserved for backend unavailability and are safe to retry.
type Store interface {
	// InitializeMembershipTable creates the version row if absent, or rewrites it when forced.
	InitializeMembershipTable(ctx context.Context, forceCreateVersionRow bool) error

	// ReadAll returns every row plus the table version.
	ReadAll(ctx context.Context) (TableData, error)

	// ReadRow returns the row for addr (no rows if absent) plus the table version.
	ReadRow(ctx context.Context, addr NodeAddress) (TableData, error)

	// InsertRow adds entry if no row exists for its address and expected is current.
	InsertRow(ctx context.Context, entry Entry, expected TableVersion) (bool, error)

	// UpdateRow replaces the row if both its etag and the table version match.
	UpdateRow(ctx context.Context, entry Entry, expectedETag string, expected TableVersion) (bool, error)

	// UpdateIAmAlive writes only entry.IAmAliveTime for the entry's row.
	UpdateIAmAlive(ctx context.Context, entry Entry) error

	// DeleteAllEntries wipes every row and the version row of clusterID.
	DeleteAllEntries(ctx context.Context, clusterID string) error
}

// DefunctCleaner is implemented by stores able to drop rows of long-gone nodes
type DefunctCleaner interface {
	// CleanupDefunctEntries removes non-active rows whose last heartbeat is before the cutoff.
	CleanupDefunctEntries(ctx context.Context, before time.Time) error
}

// IsDefunct is the shared predicate backends use for CleanupDefunctEntries
func IsDefunct(e Entry, before time.Time) bool {
	return e.Status != StatusActive && e.LastHeartbeat().Before(before)
}
