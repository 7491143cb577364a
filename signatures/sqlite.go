package signatures

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"hashsentry/hasher"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signatures (
	hash BLOB PRIMARY KEY NOT NULL,
	label TEXT NOT NULL DEFAULT ''
);
`

// ReadSQLite loads a database exported by WriteSQLite or built by an external
// feed pipeline with the same schema.
func ReadSQLite(ctx context.Context, path string) (*Database, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer conn.Close()

	db := &Database{Algorithm: hasher.SHA256}
	rows, err := conn.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("read meta: %w", err)}
	}
	if err := readMeta(rows, db); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	rows, err = conn.QueryContext(ctx, `SELECT hash, label FROM signatures ORDER BY hash`)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("read signatures: %w", err)}
	}
	defer rows.Close()
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Hash, &entry.Label); err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		db.Entries = append(db.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return db, nil
}

type metaRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// readMeta applies every meta row to db and closes rows. An iteration error
// fails the read rather than leaving header fields at their defaults.
func readMeta(rows metaRows, db *Database) error {
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := applyMeta(db, key, value); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read meta: %w", err)
	}
	return rows.Close()
}

func applyMeta(db *Database, key, value string) error {
	switch key {
	case "version":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", value)
		}
		db.Version = v
	case "algorithm":
		algo, err := hasher.ParseAlgorithm(value)
		if err != nil {
			return err
		}
		db.Algorithm = algo
	case "source":
		db.Source = value
	case "created":
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid created timestamp %q", value)
		}
		if secs != 0 {
			db.Created = time.Unix(secs, 0).UTC()
		}
	}
	return nil
}

// WriteSQLite replaces the contents of the SQLite file at path with db.
func WriteSQLite(ctx context.Context, path string, db *Database) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM signatures`); err != nil {
		return err
	}

	var created int64
	if !db.Created.IsZero() {
		created = db.Created.Unix()
	}
	meta := map[string]string{
		"version":   strconv.FormatUint(db.Version, 10),
		"algorithm": string(db.Algorithm),
		"source":    db.Source,
		"created":   strconv.FormatInt(created, 10),
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("write meta %s: %w", key, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO signatures (hash, label) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, entry := range db.Entries {
		if _, err := stmt.ExecContext(ctx, entry.Hash, entry.Label); err != nil {
			return fmt.Errorf("write signature %s: %w", entry.HexHash(), err)
		}
	}
	return tx.Commit()
}
