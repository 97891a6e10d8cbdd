package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/membership"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLDialect names a supported SQL engine
type SQLDialect string

const (
	SQLDialectSQLite SQLDialect = "sqlite3"
	SQLDialectMySQL  SQLDialect = "mysql"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// sqlVersionRow is one cluster's version row
type sqlVersionRow struct {
	ClusterID string `db:"cluster_id"`
	Version   int64  `db:"version"`
	ETag      string `db:"etag"`
}

// sqlEntryRow is one membership row. Status and heartbeat live in their own
// columns so heartbeats and cleanup never rewrite the encoded entry.
type sqlEntryRow struct {
	ClusterID     string `db:"cluster_id"`
	Address       string `db:"address"`
	ETag          string `db:"etag"`
	Status        int32  `db:"status"`
	IAmAlive      int64  `db:"i_am_alive"`
	LastHeartbeat int64  `db:"last_heartbeat"`
	Entry         []byte `db:"entry"`
}

// SQLStore keeps the table in SQLite or MySQL. Each conditional write runs in
// a transaction guarded by an UPDATE of the version row.
type SQLStore struct {
	db           *sql.DB
	gq           *goqu.Database
	dialect      SQLDialect
	clusterID    string
	rowsTable    string
	versionTable string
}

var (
	_ Store                     = (*SQLStore)(nil)
	_ membership.DefunctCleaner = (*SQLStore)(nil)
)

// NewSQLStore opens dsn and creates the tables if needed
func NewSQLStore(ctx context.Context, dialect SQLDialect, dsn, table, clusterID string) (*SQLStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	var driver string
	switch dialect {
	case SQLDialectSQLite:
		driver = "sqlite3"
	case SQLDialectMySQL:
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == SQLDialectSQLite {
		// One writer at a time, otherwise concurrent transactions fail with SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:           sqlDB,
		gq:           goqu.Dialect(string(dialect)).DB(sqlDB),
		dialect:      dialect,
		clusterID:    clusterID,
		rowsTable:    table,
		versionTable: table + "_version",
	}

	if err := s.createSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Debug().Str("dialect", string(dialect)).Str("table", table).Msg("Opened SQL membership store")
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case SQLDialectSQLite:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
				cluster_id TEXT NOT NULL PRIMARY KEY,
				version INTEGER NOT NULL,
				etag TEXT NOT NULL)`, s.versionTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
				cluster_id TEXT NOT NULL,
				address TEXT NOT NULL,
				etag TEXT NOT NULL,
				status INTEGER NOT NULL,
				i_am_alive INTEGER NOT NULL,
				last_heartbeat INTEGER NOT NULL,
				entry BLOB NOT NULL,
				PRIMARY KEY (cluster_id, address))`, s.rowsTable),
		}
	case SQLDialectMySQL:
		stmts = []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
				"cluster_id VARCHAR(150) NOT NULL PRIMARY KEY, "+
				"version BIGINT NOT NULL, "+
				"etag VARCHAR(64) NOT NULL)", s.versionTable),
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
				"cluster_id VARCHAR(150) NOT NULL, "+
				"address VARCHAR(255) NOT NULL, "+
				"etag VARCHAR(64) NOT NULL, "+
				"status INT NOT NULL, "+
				"i_am_alive BIGINT NOT NULL, "+
				"last_heartbeat BIGINT NOT NULL, "+
				"entry BLOB NOT NULL, "+
				"PRIMARY KEY (cluster_id, address))", s.rowsTable),
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create membership schema: %w", err)
		}
	}
	return nil
}

// isDuplicateKey reports a primary key violation on either engine
func isDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLStore) encodeRow(entry membership.Entry, etag string) (sqlEntryRow, error) {
	blob, err := encoding.Marshal(entry)
	if err != nil {
		return sqlEntryRow{}, fmt.Errorf("failed to encode entry %s: %w", entry.Address, err)
	}
	return sqlEntryRow{
		ClusterID:     s.clusterID,
		Address:       entry.Address.String(),
		ETag:          etag,
		Status:        int32(entry.Status),
		IAmAlive:      unixNanos(entry.IAmAliveTime),
		LastHeartbeat: unixNanos(entry.LastHeartbeat()),
		Entry:         blob,
	}, nil
}

func decodeRow(r sqlEntryRow) (membership.Row, error) {
	var entry membership.Entry
	if err := encoding.Unmarshal(r.Entry, &entry); err != nil {
		return membership.Row{}, fmt.Errorf("failed to decode row %s: %w", r.Address, err)
	}
	entry.Status = membership.Status(r.Status)
	entry.IAmAliveTime = fromUnixNanos(r.IAmAlive)
	return membership.Row{Entry: entry, ETag: r.ETag}, nil
}

// withTx runs fn in a transaction, committing only when fn returns true
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *goqu.TxDatabase) (bool, error)) (bool, error) {
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	ok, err := fn(tx)
	if err != nil || !ok {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn().Err(rbErr).Msg("Failed to roll back membership transaction")
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit membership transaction: %w", err)
	}
	return true, nil
}

func (s *SQLStore) readVersion(ctx context.Context, tx *goqu.TxDatabase) (membership.TableVersion, error) {
	var v sqlVersionRow
	found, err := tx.From(s.versionTable).
		Where(goqu.Ex{"cluster_id": s.clusterID}).
		ScanStructContext(ctx, &v)
	if err != nil {
		return membership.TableVersion{}, fmt.Errorf("failed to read version row: %w", err)
	}
	if !found {
		return membership.TableVersion{}, membership.ErrTableNotInitialized
	}
	return membership.TableVersion{Version: v.Version, ETag: v.ETag}, nil
}

// bumpVersion advances the version row iff it still equals expected
func (s *SQLStore) bumpVersion(ctx context.Context, tx *goqu.TxDatabase, expected membership.TableVersion) (bool, error) {
	res, err := tx.Update(s.versionTable).
		Prepared(true).
		Set(goqu.Record{"version": expected.Version + 1, "etag": newETag()}).
		Where(goqu.Ex{
			"cluster_id": s.clusterID,
			"version":    expected.Version,
			"etag":       expected.ETag,
		}).
		Executor().ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to update version row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InitializeMembershipTable inserts the version row if absent, or resets it when forced
func (s *SQLStore) InitializeMembershipTable(ctx context.Context, force bool) error {
	initial := sqlVersionRow{ClusterID: s.clusterID, Version: 0, ETag: newETag()}

	_, err := s.withTx(ctx, func(tx *goqu.TxDatabase) (bool, error) {
		if force {
			if _, err := tx.Delete(s.versionTable).
				Where(goqu.Ex{"cluster_id": s.clusterID}).
				Executor().ExecContext(ctx); err != nil {
				return false, err
			}
		}
		_, err := tx.Insert(s.versionTable).
			Prepared(true).
			Rows(initial).
			OnConflict(goqu.DoNothing()).
			Executor().ExecContext(ctx)
		if err != nil && !isDuplicateKey(err) {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize membership table: %w", err)
	}
	return nil
}

func (s *SQLStore) read(ctx context.Context, where goqu.Ex) (membership.TableData, error) {
	var data membership.TableData
	_, err := s.withTx(ctx, func(tx *goqu.TxDatabase) (bool, error) {
		version, err := s.readVersion(ctx, tx)
		if err != nil {
			return false, err
		}

		var rows []sqlEntryRow
		if err := tx.From(s.rowsTable).Where(where).ScanStructsContext(ctx, &rows); err != nil {
			return false, fmt.Errorf("failed to read membership rows: %w", err)
		}

		data = membership.TableData{Version: version}
		for _, r := range rows {
			row, err := decodeRow(r)
			if err != nil {
				return false, err
			}
			data.Rows = append(data.Rows, row)
		}
		return true, nil
	})
	return data, err
}

// ReadAll returns every row
func (s *SQLStore) ReadAll(ctx context.Context) (membership.TableData, error) {
	return s.read(ctx, goqu.Ex{"cluster_id": s.clusterID})
}

// ReadRow returns the row for addr
func (s *SQLStore) ReadRow(ctx context.Context, addr membership.NodeAddress) (membership.TableData, error) {
	return s.read(ctx, goqu.Ex{"cluster_id": s.clusterID, "address": addr.String()})
}

// InsertRow adds entry when the address is new and expected is current
func (s *SQLStore) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	rec, err := s.encodeRow(entry, newETag())
	if err != nil {
		return false, err
	}

	return s.withTx(ctx, func(tx *goqu.TxDatabase) (bool, error) {
		if ok, err := s.bumpVersion(ctx, tx, expected); err != nil || !ok {
			return false, err
		}
		_, err := tx.Insert(s.rowsTable).Prepared(true).Rows(rec).Executor().ExecContext(ctx)
		if isDuplicateKey(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to insert row %s: %w", entry.Address, err)
		}
		return true, nil
	})
}

// UpdateRow replaces the row when both concurrency tokens match
func (s *SQLStore) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	rec, err := s.encodeRow(entry, newETag())
	if err != nil {
		return false, err
	}

	return s.withTx(ctx, func(tx *goqu.TxDatabase) (bool, error) {
		if ok, err := s.bumpVersion(ctx, tx, expected); err != nil || !ok {
			return false, err
		}
		res, err := tx.Update(s.rowsTable).
			Prepared(true).
			Set(goqu.Record{
				"etag":           rec.ETag,
				"status":         rec.Status,
				"i_am_alive":     rec.IAmAlive,
				"last_heartbeat": rec.LastHeartbeat,
				"entry":          rec.Entry,
			}).
			Where(goqu.Ex{"cluster_id": s.clusterID, "address": rec.Address, "etag": etag}).
			Executor().ExecContext(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to update row %s: %w", entry.Address, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	})
}

// UpdateIAmAlive writes only the heartbeat columns
func (s *SQLStore) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	res, err := s.gq.Update(s.rowsTable).
		Prepared(true).
		Set(goqu.Record{
			"etag":           newETag(),
			"i_am_alive":     unixNanos(entry.IAmAliveTime),
			"last_heartbeat": unixNanos(entry.IAmAliveTime),
		}).
		Where(goqu.Ex{"cluster_id": s.clusterID, "address": entry.Address.String()}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return membership.ErrRowNotFound
	}
	return nil
}

// DeleteAllEntries removes every row and the version row of clusterID
func (s *SQLStore) DeleteAllEntries(ctx context.Context, clusterID string) error {
	_, err := s.withTx(ctx, func(tx *goqu.TxDatabase) (bool, error) {
		for _, table := range []string{s.rowsTable, s.versionTable} {
			if _, err := tx.Delete(table).
				Where(goqu.Ex{"cluster_id": clusterID}).
				Executor().ExecContext(ctx); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cluster %s: %w", clusterID, err)
	}
	return nil
}

// CleanupDefunctEntries drops non-active rows that stopped heartbeating before the cutoff
func (s *SQLStore) CleanupDefunctEntries(ctx context.Context, before time.Time) error {
	res, err := s.gq.Delete(s.rowsTable).
		Where(
			goqu.C("cluster_id").Eq(s.clusterID),
			goqu.C("status").Neq(int32(membership.StatusActive)),
			goqu.C("last_heartbeat").Lt(before.UnixNano()),
		).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete defunct rows: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("removed", n).Time("before", before).Msg("Removed defunct membership rows")
	}
	return nil
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}
