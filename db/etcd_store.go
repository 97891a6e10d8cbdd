package db

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/membership"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// heartbeatAttempts bounds the read-modify-write loop of UpdateIAmAlive on KV backends
const heartbeatAttempts = 5

// EtcdOptions configures the etcd client
type EtcdOptions struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// EtcdStore keeps the table in etcd. The version key is compared by value and
// rows by mod revision inside one Txn, so every conditional write is atomic.
// A row's etag is its mod revision.
type EtcdStore struct {
	client    *clientv3.Client
	prefix    string
	clusterID string
}

var (
	_ Store                     = (*EtcdStore)(nil)
	_ membership.DefunctCleaner = (*EtcdStore)(nil)
)

func newEtcdLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zc.Build()
}

// NewEtcdStore connects to etcd
func NewEtcdStore(opts EtcdOptions, clusterID string) (*EtcdStore, error) {
	logger, err := newEtcdLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build etcd logger: %w", err)
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	log.Debug().Strs("endpoints", opts.Endpoints).Str("cluster_id", clusterID).Msg("Connected etcd membership store")
	return &EtcdStore{
		client:    client,
		prefix:    strings.TrimSuffix(opts.Prefix, "/"),
		clusterID: clusterID,
	}, nil
}

func (s *EtcdStore) clusterKey(clusterID string) string {
	return s.prefix + "/" + clusterID + "/"
}

func (s *EtcdStore) versionKey() string {
	return s.clusterKey(s.clusterID) + "version"
}

func (s *EtcdStore) rowPrefix() string {
	return s.clusterKey(s.clusterID) + "rows/"
}

func (s *EtcdStore) rowKey(addr membership.NodeAddress) string {
	return s.rowPrefix() + addr.String()
}

func revisionETag(rev int64) string {
	return strconv.FormatInt(rev, 10)
}

func parseRevisionETag(etag string) (int64, bool) {
	rev, err := strconv.ParseInt(etag, 10, 64)
	return rev, err == nil && rev > 0
}

func encodeVersion(v membership.TableVersion) (string, error) {
	b, err := encoding.Marshal(v)
	return string(b), err
}

func decodeEtcdRow(value []byte, modRevision int64) (membership.Row, error) {
	var entry membership.Entry
	if err := encoding.Unmarshal(value, &entry); err != nil {
		return membership.Row{}, err
	}
	return membership.Row{Entry: entry, ETag: revisionETag(modRevision)}, nil
}

// InitializeMembershipTable creates the version key if absent, or overwrites it when forced
func (s *EtcdStore) InitializeMembershipTable(ctx context.Context, force bool) error {
	initial, err := encodeVersion(membership.TableVersion{Version: 0, ETag: newETag()})
	if err != nil {
		return err
	}

	if force {
		_, err = s.client.Put(ctx, s.versionKey(), initial)
	} else {
		_, err = s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(s.versionKey()), "=", 0)).
			Then(clientv3.OpPut(s.versionKey(), initial)).
			Commit()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize membership table: %w", err)
	}
	return nil
}

// read fetches the version key and the selected rows at one revision
func (s *EtcdStore) read(ctx context.Context, addr *membership.NodeAddress) (membership.TableData, error) {
	if addr != nil {
		rowKey := s.rowKey(*addr)
		resp, err := s.client.Txn(ctx).Then(
			clientv3.OpGet(s.versionKey()),
			clientv3.OpGet(rowKey),
		).Commit()
		if err != nil {
			return membership.TableData{}, fmt.Errorf("failed to read membership row: %w", err)
		}

		var data membership.TableData
		versionKVs := resp.Responses[0].GetResponseRange().Kvs
		if len(versionKVs) == 0 {
			return data, membership.ErrTableNotInitialized
		}
		if err := encoding.Unmarshal(versionKVs[0].Value, &data.Version); err != nil {
			return data, fmt.Errorf("failed to decode version: %w", err)
		}
		for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
			row, err := decodeEtcdRow(kv.Value, kv.ModRevision)
			if err != nil {
				return data, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
			}
			data.Rows = append(data.Rows, row)
		}
		return data, nil
	}

	resp, err := s.client.Get(ctx, s.clusterKey(s.clusterID), clientv3.WithPrefix())
	if err != nil {
		return membership.TableData{}, fmt.Errorf("failed to read membership table: %w", err)
	}

	var data membership.TableData
	foundVersion := false
	versionKey := []byte(s.versionKey())
	rowPrefix := []byte(s.rowPrefix())
	for _, kv := range resp.Kvs {
		switch {
		case bytes.Equal(kv.Key, versionKey):
			if err := encoding.Unmarshal(kv.Value, &data.Version); err != nil {
				return data, fmt.Errorf("failed to decode version: %w", err)
			}
			foundVersion = true
		case bytes.HasPrefix(kv.Key, rowPrefix):
			row, err := decodeEtcdRow(kv.Value, kv.ModRevision)
			if err != nil {
				return data, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
			}
			data.Rows = append(data.Rows, row)
		}
	}
	if !foundVersion {
		return membership.TableData{}, membership.ErrTableNotInitialized
	}
	return data, nil
}

// ReadAll returns every row
func (s *EtcdStore) ReadAll(ctx context.Context) (membership.TableData, error) {
	return s.read(ctx, nil)
}

// ReadRow returns the row for addr
func (s *EtcdStore) ReadRow(ctx context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	return s.read(ctx, &addr)
}

// casWrite puts entry and the next version when the version key still holds expected
// and rowCmp holds
func (s *EtcdStore) casWrite(ctx context.Context, entry membership.Entry, expected membership.TableVersion, rowCmp clientv3.Cmp) (bool, error) {
	current, err := encodeVersion(expected)
	if err != nil {
		return false, err
	}
	next, err := encodeVersion(membership.TableVersion{Version: expected.Version + 1, ETag: newETag()})
	if err != nil {
		return false, err
	}
	value, err := encoding.Marshal(entry)
	if err != nil {
		return false, err
	}

	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.Value(s.versionKey()), "=", current),
			rowCmp,
		).
		Then(
			clientv3.OpPut(s.rowKey(entry.Address), string(value)),
			clientv3.OpPut(s.versionKey(), next),
		).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to write row %s: %w", entry.Address, err)
	}
	return resp.Succeeded, nil
}

// InsertRow adds entry when the address is new and expected is current
func (s *EtcdStore) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	return s.casWrite(ctx, entry, expected,
		clientv3.Compare(clientv3.CreateRevision(s.rowKey(entry.Address)), "=", 0))
}

// UpdateRow replaces the row when both concurrency tokens match
func (s *EtcdStore) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	rev, ok := parseRevisionETag(etag)
	if !ok {
		return false, nil
	}
	return s.casWrite(ctx, entry, expected,
		clientv3.Compare(clientv3.ModRevision(s.rowKey(entry.Address)), "=", rev))
}

// UpdateIAmAlive rewrites the row with the new heartbeat, retrying when a
// concurrent row update wins
func (s *EtcdStore) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	key := s.rowKey(entry.Address)
	for attempt := 0; attempt < heartbeatAttempts; attempt++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read row %s: %w", entry.Address, err)
		}
		if len(resp.Kvs) == 0 {
			return membership.ErrRowNotFound
		}
		kv := resp.Kvs[0]

		var current membership.Entry
		if err := encoding.Unmarshal(kv.Value, &current); err != nil {
			return fmt.Errorf("failed to decode row %s: %w", entry.Address, err)
		}
		current.IAmAliveTime = entry.IAmAliveTime
		value, err := encoding.Marshal(current)
		if err != nil {
			return err
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to write heartbeat: %w", err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("heartbeat for %s lost %d races", entry.Address, heartbeatAttempts)
}

// DeleteAllEntries removes every key of clusterID
func (s *EtcdStore) DeleteAllEntries(ctx context.Context, clusterID string) error {
	if _, err := s.client.Delete(ctx, s.clusterKey(clusterID), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("failed to delete cluster %s: %w", clusterID, err)
	}
	return nil
}

// CleanupDefunctEntries drops non-active rows that stopped heartbeating before the cutoff.
// Each delete is conditional on the revision read so a revived row survives.
func (s *EtcdStore) CleanupDefunctEntries(ctx context.Context, before time.Time) error {
	resp, err := s.client.Get(ctx, s.rowPrefix(), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to read membership rows: %w", err)
	}

	for _, kv := range resp.Kvs {
		var e membership.Entry
		if err := encoding.Unmarshal(kv.Value, &e); err != nil {
			log.Warn().Err(err).Str("key", string(kv.Key)).Msg("Skipping undecodable membership row")
			continue
		}
		if !membership.IsDefunct(e, before) {
			continue
		}
		key := string(kv.Key)
		if _, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(key)).
			Commit(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

// Close closes the etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
