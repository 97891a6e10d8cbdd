// Package db implements the membership table on the supported storage backends.
package db

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/membership"
)

// Store is a membership table backend owning resources that must be released
type Store interface {
	membership.Store
	io.Closer
}

var etagSeq atomic.Uint64

// newETag returns a token unique within this process and across restarts
func newETag() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(etagSeq.Add(1), 36)
}

// NewStore opens the backend selected by c.Table. The remote backend lives in
// the grpc package and is not handled here.
func NewStore(ctx context.Context, c *cfg.Configuration) (Store, error) {
	t := c.Table
	switch t.Backend {
	case cfg.BackendMemory:
		return NewMemoryStore(c.ClusterID), nil

	case cfg.BackendPebble:
		path := t.Pebble.Path
		if path == "" {
			path = filepath.Join(c.DataDir, "membership")
		}
		return NewPebbleStore(path, c.ClusterID)

	case cfg.BackendSQLite:
		dsn := t.SQLite.DSN
		if dsn == "" {
			dsn = filepath.Join(c.DataDir, "membership.db")
		}
		return NewSQLStore(ctx, SQLDialectSQLite, dsn, t.SQLite.TableName, c.ClusterID)

	case cfg.BackendMySQL:
		return NewSQLStore(ctx, SQLDialectMySQL, t.MySQL.DSN, t.MySQL.TableName, c.ClusterID)

	case cfg.BackendEtcd:
		return NewEtcdStore(EtcdOptions{
			Endpoints:   t.Etcd.Endpoints,
			Prefix:      t.Etcd.Prefix,
			DialTimeout: time.Duration(t.Etcd.DialTimeoutMS) * time.Millisecond,
			Username:    t.Etcd.Username,
			Password:    t.Etcd.Password,
		}, c.ClusterID)

	case cfg.BackendNATS:
		return NewNATSStore(ctx, NATSOptions{
			URL:      t.NATS.URL,
			Bucket:   t.NATS.Bucket,
			Replicas: t.NATS.Replicas,
		}, c.ClusterID)

	default:
		return nil, fmt.Errorf("table backend %q is not a local store", t.Backend)
	}
}
