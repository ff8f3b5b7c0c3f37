package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// Schema version history:
//
//	v1: kv table (key, value)
//	v2: add updated_at column
const currentSchemaVersion = 2

// migrations[0] upgrades v1 → v2.
var migrations = []func(tx *sql.Tx) error{
	migrateV1ToV2,
}

// SQLite is a Backend stored in a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create store dir")
	}
	db, err := openAndMigrate(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}
	return &SQLite{db: db}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0600)

	// A single connection keeps writers serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrateSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return errors.Wrap(err, "create schema_version table")
	}

	version := getSchemaVersion(db)
	if version == 0 {
		if tableExists(db, "kv") {
			version = 1
		} else {
			return initFreshSchema(db)
		}
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version > currentSchemaVersion {
		return errors.Newf("store schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration v%d→v%d", v, v+1)
		}
		if err := migrations[v-1](tx); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "migration v%d→v%d", v, v+1)
		}
		if err := setSchemaVersion(tx, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration v%d→v%d", v, v+1)
		}
	}
	return nil
}

func initFreshSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE TABLE kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "create kv table")
	}
	if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func migrateV1ToV2(tx *sql.Tx) error {
	_, err := tx.Exec(`ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`)
	return err
}

func getSchemaVersion(db *sql.DB) int {
	var v int
	if err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v); err != nil {
		return 0
	}
	return v
}

func setSchemaVersion(tx *sql.Tx, v int) error {
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return errors.Wrap(err, "clear schema_version")
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
		return errors.Wrap(err, "set schema_version")
	}
	return nil
}

func tableExists(db *sql.DB, name string) bool {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return err == nil && n > 0
}

func (s *SQLite) Get(key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return v, nil
}

func (s *SQLite) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

func (s *SQLite) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "remove %s", key)
	}
	return nil
}

func (s *SQLite) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
