// Copyright 2024 KernelFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
)

// DataFile is an open SQLite database holding one filesystem tree.
type DataFile struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// busy_timeout first, journal_mode=WAL needs exclusive access.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// Create creates a new data file with an empty root directory.
func Create(path string) (*DataFile, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	if err := execStatements(db, dataFileSchema); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initRootDir, SchemaVersion, DefaultDirMode); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize root: %w", err)
	}

	log.Debugf("[Storage] created %s", path)
	return &DataFile{path: path, db: db, bunDB: NewBunDB(db)}, nil
}

// Open opens an existing data file.
func Open(path string) (*DataFile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	bunDB := NewBunDB(db)
	fileType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "data" {
		db.Close()
		return nil, fmt.Errorf("not a data file (type=%s)", fileType)
	}

	log.Debugf("[Storage] opened %s", path)
	return &DataFile{path: path, db: db, bunDB: bunDB}, nil
}

// OpenOrCreate opens path, creating it first when it does not exist.
func OpenOrCreate(path string) (*DataFile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Create(path)
	}
	return Open(path)
}

// Checkpoint merges the WAL into the main database file.
func (df *DataFile) Checkpoint() error {
	return execPragma(df.db, "PRAGMA wal_checkpoint(PASSIVE)")
}

// Close closes the database connection and cleans up WAL files.
// It performs a TRUNCATE checkpoint to merge WAL data into the main database,
// then removes the -wal and -shm files.
func (df *DataFile) Close() error {
	if df.db == nil {
		return nil
	}
	// Note: PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	if err := execPragma(df.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[Storage] WAL checkpoint failed: %v", err)
	}
	if err := df.db.Close(); err != nil {
		return err
	}
	df.db = nil

	os.Remove(df.path + "-wal") // Ignore errors - files may not exist
	os.Remove(df.path + "-shm")
	return nil
}

// Path returns the file path
func (df *DataFile) Path() string {
	return df.path
}

// DB returns the underlying *sql.DB for use with Bun or other wrappers.
func (df *DataFile) DB() *sql.DB {
	return df.db
}

// BunDB returns the Bun database wrapper.
func (df *DataFile) BunDB() *BunDB {
	return df.bunDB
}
