// SQLite variable store
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package state

import (
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
)

const schema = `CREATE TABLE IF NOT EXISTS variables (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
)`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

// SQLiteStore keeps one CBOR-encoded value per row.
type SQLiteStore struct {
	db     *sql.DB
	dec    cbor.DecMode
	logger *log.Logger
}

// OpenSQLite opens (or creates) the database at path. ":memory:" is allowed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		var err error
		if path, err = expandPath(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrRuntimeInit, "state: create directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "state: open sqlite")
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.ErrRuntimeInit, "state: "+p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "state: create schema")
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "state: cbor decoder")
	}
	return &SQLiteStore{db: db, dec: dec, logger: log.GetLogger("state")}, nil
}

func (s *SQLiteStore) Get(key string) (any, bool) {
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM variables WHERE key = ?`, key).Scan(&blob)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("read %s: %v", key, err)
		return nil, false
	}
	var v any
	if err := s.dec.Unmarshal(blob, &v); err != nil {
		s.logger.Warn("decode %s: %v", key, err)
		return nil, false
	}
	return v, true
}

func (s *SQLiteStore) Set(key string, value any) error {
	if err := validKey(key); err != nil {
		return err
	}
	blob, err := cbor.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: encode "+key)
	}
	_, err = s.db.Exec(`INSERT INTO variables (key, value, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, blob)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: write "+key)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM variables WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: delete "+key)
	}
	return nil
}

func (s *SQLiteStore) Keys() []string {
	rows, err := s.db.Query(`SELECT key FROM variables ORDER BY key`)
	if err != nil {
		s.logger.Warn("list keys: %v", err)
		return nil
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
