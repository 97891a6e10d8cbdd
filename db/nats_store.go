package db

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/membership"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// kvAttempts bounds how often a write is retried after an unrelated write
// moved the document revision
const kvAttempts = 16

// NATSOptions configures the JetStream KV bucket
type NATSOptions struct {
	URL      string
	Bucket   string
	Replicas int
}

// natsTable is the whole membership table stored under a single KV key
type natsTable struct {
	Version membership.TableVersion `msgpack:"version"`
	Rows    []membership.Row        `msgpack:"rows"`
}

func (t *natsTable) find(addr membership.NodeAddress) int {
	for i, r := range t.Rows {
		if r.Entry.Address == addr {
			return i
		}
	}
	return -1
}

// NATSStore keeps each cluster's table as one document in a JetStream KV bucket.
// Every write is a compare-and-set on the document revision, so row and version
// change together.
type NATSStore struct {
	nc        *nats.Conn
	kv        jetstream.KeyValue
	clusterID string
}

var (
	_ Store                     = (*NATSStore)(nil)
	_ membership.DefunctCleaner = (*NATSStore)(nil)
)

// NewNATSStore connects and creates the bucket if needed
func NewNATSStore(ctx context.Context, opts NATSOptions, clusterID string) (*NATSStore, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name("burrow-membership"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	replicas := opts.Replicas
	if replicas < 1 {
		replicas = 1
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "burrow membership tables",
		History:     1,
		Replicas:    replicas,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", opts.Bucket, err)
	}

	log.Debug().Str("bucket", opts.Bucket).Str("cluster_id", clusterID).Msg("Opened NATS membership store")
	return &NATSStore{nc: nc, kv: kv, clusterID: clusterID}, nil
}

// tableKey encodes clusterID into the KV key alphabet
func tableKey(clusterID string) string {
	return "table." + base64.RawURLEncoding.EncodeToString([]byte(clusterID))
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// load returns the table document and its revision
func (s *NATSStore) load(ctx context.Context) (*natsTable, uint64, error) {
	kve, err := s.kv.Get(ctx, tableKey(s.clusterID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, membership.ErrTableNotInitialized
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read membership table: %w", err)
	}

	var t natsTable
	if err := encoding.Unmarshal(kve.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("failed to decode membership table: %w", err)
	}
	return &t, kve.Revision(), nil
}

func (s *NATSStore) save(ctx context.Context, t *natsTable, rev uint64) (bool, error) {
	value, err := encoding.Marshal(t)
	if err != nil {
		return false, err
	}
	_, err = s.kv.Update(ctx, tableKey(s.clusterID), value, rev)
	if isRevisionConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to write membership table: %w", err)
	}
	return true, nil
}

// mutate applies fn to the latest document until the write lands. fn returns
// false to abort without writing.
func (s *NATSStore) mutate(ctx context.Context, fn func(t *natsTable) (bool, error)) (bool, error) {
	for attempt := 0; attempt < kvAttempts; attempt++ {
		t, rev, err := s.load(ctx)
		if err != nil {
			return false, err
		}
		if ok, err := fn(t); err != nil || !ok {
			return false, err
		}
		saved, err := s.save(ctx, t, rev)
		if err != nil || saved {
			return saved, err
		}
	}
	return false, fmt.Errorf("membership table write lost %d races", kvAttempts)
}

// InitializeMembershipTable creates the document if absent, or resets its version when forced
func (s *NATSStore) InitializeMembershipTable(ctx context.Context, force bool) error {
	fresh := &natsTable{Version: membership.TableVersion{Version: 0, ETag: newETag()}}
	value, err := encoding.Marshal(fresh)
	if err != nil {
		return err
	}

	_, err = s.kv.Create(ctx, tableKey(s.clusterID), value)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("failed to initialize membership table: %w", err)
	}
	if !force {
		return nil
	}

	_, err = s.mutate(ctx, func(t *natsTable) (bool, error) {
		t.Version = fresh.Version
		return true, nil
	})
	return err
}

// ReadAll returns every row
func (s *NATSStore) ReadAll(ctx context.Context) (membership.TableData, error) {
	t, _, err := s.load(ctx)
	if err != nil {
		return membership.TableData{}, err
	}
	return membership.TableData{Rows: t.Rows, Version: t.Version}, nil
}

// ReadRow returns the row for addr
func (s *NATSStore) ReadRow(ctx context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	t, _, err := s.load(ctx)
	if err != nil {
		return membership.TableData{}, err
	}
	data := membership.TableData{Version: t.Version}
	if i := t.find(addr); i >= 0 {
		data.Rows = append(data.Rows, t.Rows[i])
	}
	return data, nil
}

func bump(t *natsTable) {
	t.Version = membership.TableVersion{Version: t.Version.Version + 1, ETag: newETag()}
}

// InsertRow adds entry when the address is new and expected is current
func (s *NATSStore) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	return s.mutate(ctx, func(t *natsTable) (bool, error) {
		if t.Version != expected || t.find(entry.Address) >= 0 {
			return false, nil
		}
		t.Rows = append(t.Rows, membership.Row{Entry: entry, ETag: newETag()})
		bump(t)
		return true, nil
	})
}

// UpdateRow replaces the row when both concurrency tokens match
func (s *NATSStore) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	return s.mutate(ctx, func(t *natsTable) (bool, error) {
		i := t.find(entry.Address)
		if t.Version != expected || i < 0 || t.Rows[i].ETag != etag {
			return false, nil
		}
		t.Rows[i] = membership.Row{Entry: entry, ETag: newETag()}
		bump(t)
		return true, nil
	})
}

// UpdateIAmAlive writes only the heartbeat time
func (s *NATSStore) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	found := false
	_, err := s.mutate(ctx, func(t *natsTable) (bool, error) {
		i := t.find(entry.Address)
		found = i >= 0
		if !found {
			return false, nil
		}
		t.Rows[i].Entry.IAmAliveTime = entry.IAmAliveTime
		t.Rows[i].ETag = newETag()
		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return membership.ErrRowNotFound
	}
	return nil
}

// DeleteAllEntries purges the document of clusterID
func (s *NATSStore) DeleteAllEntries(ctx context.Context, clusterID string) error {
	err := s.kv.Purge(ctx, tableKey(clusterID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete cluster %s: %w", clusterID, err)
	}
	return nil
}

// CleanupDefunctEntries drops non-active rows that stopped heartbeating before the cutoff
func (s *NATSStore) CleanupDefunctEntries(ctx context.Context, before time.Time) error {
	_, err := s.mutate(ctx, func(t *natsTable) (bool, error) {
		kept := t.Rows[:0]
		for _, r := range t.Rows {
			if !membership.IsDefunct(r.Entry, before) {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(t.Rows) {
			return false, nil
		}
		t.Rows = kept
		return true, nil
	})
	return err
}

// Close drains the connection
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
