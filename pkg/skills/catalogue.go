package skills

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Catalogue is the sqlite-backed metadata table.
type Catalogue struct {
	db *sqlx.DB
}

// NewCatalogue wraps an open database whose schema migrations have run.
func NewCatalogue(db *sqlx.DB) *Catalogue {
	return &Catalogue{db: db}
}

// DB exposes the underlying handle.
func (c *Catalogue) DB() *sqlx.DB { return c.db }

// Get returns the record for id, or a NotFoundError.
func (c *Catalogue) Get(ctx context.Context, id string) (*Metadata, error) {
	var m Metadata
	err := c.db.GetContext(ctx, &m, `SELECT id, name, description, version, uploaded_at, enabled FROM skills WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "skill", Name: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load skill %s", id)
	}
	return &m, nil
}

// Has reports whether id is catalogued.
func (c *Catalogue) Has(ctx context.Context, id string) (bool, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM skills WHERE id = ?`, id); err != nil {
		return false, errors.Wrapf(err, "failed to check skill %s", id)
	}
	return n > 0, nil
}

// List returns every record ordered by name.
func (c *Catalogue) List(ctx context.Context) ([]Metadata, error) {
	var out []Metadata
	err := c.db.SelectContext(ctx, &out, `SELECT id, name, description, version, uploaded_at, enabled FROM skills ORDER BY name, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list skills")
	}
	return out, nil
}

// Upsert inserts or replaces a record.
func (c *Catalogue) Upsert(ctx context.Context, m Metadata) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO skills (id, name, description, version, uploaded_at, enabled)
		VALUES (:id, :name, :description, :version, :uploaded_at, :enabled)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			uploaded_at = excluded.uploaded_at,
			enabled = excluded.enabled`, m)
	return errors.Wrapf(err, "failed to save skill %s", m.ID)
}

// Insert adds a record only if id is not yet catalogued. It reports whether
// a row was written.
func (c *Catalogue) Insert(ctx context.Context, m Metadata) (bool, error) {
	res, err := c.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO skills (id, name, description, version, uploaded_at, enabled)
		VALUES (:id, :name, :description, :version, :uploaded_at, :enabled)`, m)
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert skill %s", m.ID)
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "failed to read affected rows")
}

// SetEnabled flips the enabled flag.
func (c *Catalogue) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return c.exec(ctx, id, `UPDATE skills SET enabled = ? WHERE id = ?`, enabled, id)
}

// UpdateDetails rewrites the editable metadata fields.
func (c *Catalogue) UpdateDetails(ctx context.Context, id, description, version string) error {
	return c.exec(ctx, id, `UPDATE skills SET description = ?, version = ? WHERE id = ?`, description, version, id)
}

// Rename moves a record to a new id.
func (c *Catalogue) Rename(ctx context.Context, oldID, newID string) error {
	return c.exec(ctx, oldID, `UPDATE skills SET id = ? WHERE id = ?`, newID, oldID)
}

// Delete removes a record.
func (c *Catalogue) Delete(ctx context.Context, id string) error {
	return c.exec(ctx, id, `DELETE FROM skills WHERE id = ?`, id)
}

func (c *Catalogue) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update skill %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return &NotFoundError{Kind: "skill", Name: id}
	}
	return nil
}
