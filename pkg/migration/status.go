package migration

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// JSONField stores T as a JSON document in a TEXT column.
type JSONField[T any] struct {
	Data T
}

// Scan implements the sql.Scanner interface for reading from database
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements the driver.Valuer interface for writing to database
func (j JSONField[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Status is the persisted record of one data migration.
type Status struct {
	Version       string    `json:"version" yaml:"version"`
	Completed     bool      `json:"completed" yaml:"completed"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	MigratedItems []string  `json:"migratedItems" yaml:"migratedItems"`
}

type dbStatus struct {
	Version       string              `db:"version"`
	Completed     bool                `db:"completed"`
	Timestamp     time.Time           `db:"timestamp"`
	MigratedItems JSONField[[]string] `db:"migrated_items"`
}

func (s dbStatus) toStatus() Status {
	items := s.MigratedItems.Data
	if items == nil {
		items = []string{}
	}
	return Status{
		Version:       s.Version,
		Completed:     s.Completed,
		Timestamp:     s.Timestamp,
		MigratedItems: items,
	}
}

func loadStatus(ctx context.Context, db *sqlx.DB, version string) (*Status, error) {
	var row dbStatus
	err := db.GetContext(ctx, &row, `SELECT version, completed, timestamp, migrated_items FROM migration_status WHERE version = ?`, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load status of migration %s", version)
	}
	s := row.toStatus()
	return &s, nil
}

func saveStatus(ctx context.Context, db *sqlx.DB, s Status) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO migration_status (version, completed, timestamp, migrated_items)
		VALUES (:version, :completed, :timestamp, :migrated_items)
		ON CONFLICT(version) DO UPDATE SET
			completed = excluded.completed,
			timestamp = excluded.timestamp,
			migrated_items = excluded.migrated_items`,
		dbStatus{
			Version:       s.Version,
			Completed:     s.Completed,
			Timestamp:     s.Timestamp,
			MigratedItems: JSONField[[]string]{Data: s.MigratedItems},
		})
	return errors.Wrapf(err, "failed to save status of migration %s", s.Version)
}

// Statuses returns every persisted migration status ordered by version.
func Statuses(ctx context.Context, db *sqlx.DB) ([]Status, error) {
	var rows []dbStatus
	if err := db.SelectContext(ctx, &rows, `SELECT version, completed, timestamp, migrated_items FROM migration_status ORDER BY version`); err != nil {
		return nil, errors.Wrap(err, "failed to list migration status")
	}
	out := make([]Status, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStatus())
	}
	return out, nil
}
