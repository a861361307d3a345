package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// SQLiteCatalog stores lab definitions as JSON rows in a single SQLite table.
// Holds are deliberately absent: in memory mode reservation records do not
// survive a restart, so neither do the units they held.
type SQLiteCatalog struct {
	db   *sql.DB
	path string
}

// NewSQLiteCatalog opens (or creates) the catalogue database at path.
func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	if path == "" {
		path = "lab-catalog.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS labs (
		lab_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create labs table: %w", err)
	}
	return &SQLiteCatalog{db: db, path: path}, nil
}

// Path returns the file backing the catalogue.
func (c *SQLiteCatalog) Path() string {
	return c.path
}

func (c *SQLiteCatalog) SaveLab(ctx context.Context, lab models.Lab) error {
	payload, err := json.Marshal(lab)
	if err != nil {
		return fmt.Errorf("encode lab: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO labs (lab_id, payload) VALUES (?, ?)
		ON CONFLICT(lab_id) DO UPDATE SET payload = excluded.payload
	`, lab.ID, payload)
	if err != nil {
		return fmt.Errorf("upsert lab: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) LoadLabs(ctx context.Context) ([]models.Lab, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT payload FROM labs ORDER BY lab_id`)
	if err != nil {
		return nil, fmt.Errorf("select labs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var labs []models.Lab
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var lab models.Lab
		if err := json.Unmarshal(payload, &lab); err != nil {
			return nil, fmt.Errorf("decode lab: %w", err)
		}
		labs = append(labs, lab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labs: %w", err)
	}
	return labs, nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
