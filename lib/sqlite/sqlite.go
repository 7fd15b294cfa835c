package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA mmap_size = 30000000000",
	"PRAGMA page_size = 32768",
	"PRAGMA auto_vacuum = NONE",
	"PRAGMA automatic_index = OFF",
	"PRAGMA journal_mode = WAL",
	"PRAGMA wal_autocheckpoint = 256",
	"PRAGMA journal_size_limit = 0",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

const metaTableDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// MigrationFunc is a function that migrates the database to the next version.
// Migrations run inside the same transaction as the version bump, so a failed
// migration leaves the database untouched.
type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

// Open opens (or creates) the sqlite database at the given path and applies
// the connection pragmas. Transactions begin in immediate mode: writers
// queue behind the busy timeout instead of failing on lock upgrade, which
// matters because many request handlers write concurrently.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, xerrors.Errorf("error creating database base directory [@ %s]: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite3", path+"?mode=rwc&_txlock=immediate")
	if err != nil {
		return nil, xerrors.Errorf("error opening database [@ %s]: %w", path, err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("error setting database pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}

// InitDb initialises the database by applying the base ddls on first use and
// then stepping through the migrations that have not run yet. The version
// history is kept in the _meta table, one row per applied version; version 1
// is the base schema defined by the ddls.
func InitDb(ctx context.Context, name string, db *sql.DB, ddls []string, migrations []MigrationFunc) error {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, metaTableDdl); err != nil {
			return xerrors.Errorf("error creating %s database _meta table: %w", name, err)
		}

		var current sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT max(version) FROM _meta").Scan(&current); err != nil {
			return xerrors.Errorf("error getting %s database version: %w", name, err)
		}

		version := int(current.Int64)
		if version == 0 {
			log.Infof("creating %s database with version 1", name)
			for _, ddl := range ddls {
				if _, err := tx.ExecContext(ctx, ddl); err != nil {
					return xerrors.Errorf("error applying %s database ddl %q: %w", name, ddl, err)
				}
			}
			if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO _meta (version) VALUES (1)"); err != nil {
				return xerrors.Errorf("error setting %s database version: %w", name, err)
			}
			version = 1
		}

		target := 1 + len(migrations)
		if version > target {
			return xerrors.Errorf("database version %d is newer than the highest version this binary knows (%d)", version, target)
		}

		for ; version < target; version++ {
			log.Infof("migrating %s database from version %d to %d", name, version, version+1)
			if err := migrations[version-1](ctx, tx); err != nil {
				return xerrors.Errorf("error migrating %s database to version %d: %w", name, version+1, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO _meta (version) VALUES (?)", version+1); err != nil {
				return xerrors.Errorf("error setting %s database version %d: %w", name, version+1, err)
			}
		}

		return nil
	})
	if err != nil {
		return xerrors.Errorf("error initialising %s database: %w", name, err)
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	var tx *sql.Tx
	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			// A panic occurred, rollback and repanic
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			// Something went wrong, rollback
			_ = tx.Rollback()
		} else {
			// All good, commit
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return
}
