// Package db provides the SQLite utilities behind the skill catalogue: opening
// the database with WAL pragmas and running timestamp-versioned schema
// migrations.
package db

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	// StorageFile holds the catalogue, legacy tables and migration status.
	StorageFile = "storage.db"
	// FilesFile holds the virtual filesystem.
	FilesFile = "files.db"
)

// pragmas are applied by the driver on every new connection; want is what
// the PRAGMA query reports once applied.
var pragmas = []struct {
	name, value, want string
}{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
	{"temp_store", "MEMORY", "2"},
}

// DefaultBasePath returns the directory holding skillbox state, honouring
// SKILLBOX_BASE_PATH.
func DefaultBasePath() (string, error) {
	if basePath := os.Getenv("SKILLBOX_BASE_PATH"); basePath != "" {
		return basePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".skillbox"), nil
}

// DSN builds the modernc sqlite data source name for dbPath with the
// connection pragmas encoded as _pragma parameters.
func DSN(dbPath string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p.name+"("+p.value+")")
	}
	q.Set("_time_format", "sqlite")
	return "file:" + filepath.ToSlash(dbPath) + "?" + q.Encode()
}

// Open opens or creates the SQLite database at dbPath. Writes go through a
// single connection; WAL lets readers proceed alongside it.
func Open(ctx context.Context, dbPath string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open database %s", dbPath)
	}
	if err := VerifyConfiguration(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// VerifyConfiguration checks that every connection pragma took effect.
func VerifyConfiguration(ctx context.Context, db *sqlx.DB) error {
	for _, p := range pragmas {
		var got string
		if err := db.GetContext(ctx, &got, "PRAGMA "+p.name); err != nil {
			return errors.Wrapf(err, "failed to query %s", p.name)
		}
		if !strings.EqualFold(got, p.want) {
			return errors.Errorf("expected %s=%s, got %s", p.name, p.want, got)
		}
	}
	return nil
}
