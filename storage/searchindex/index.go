// Package searchindex implements storage.SearchIndex against an embedded
// SQLite database, the supplemental search capability SPEC_FULL §4.1/§9
// names as optional: a Backend built without one simply reports
// pkgvault.ErrUnsupported from Search.
package searchindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pkgvault/pkgvault"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	keywords    TEXT NOT NULL DEFAULT '',
	modified    TEXT NOT NULL DEFAULT ''
);
`

// Index is a search index backed by a single SQLite database file (or
// ":memory:" for tests). It implements storage.SearchIndex without
// importing the storage package, so storage can depend on searchindex and
// not the other way around.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("searchindex: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchindex: creating schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (i *Index) Close() error { return i.db.Close() }

// Index upserts a package's searchable projection from its current
// manifest. Packages with no published versions are removed rather than
// indexed empty, matching the "empty packages are skipped" rule search
// hits observe at read time.
func (i *Index) Index(ctx context.Context, name string, m pkgvault.Manifest) error {
	if len(m.Versions) == 0 {
		return i.Remove(ctx, name)
	}

	latest := m.DistTags["latest"]
	var description string
	var keywords []string
	if v, ok := m.Versions[latest]; ok {
		description = v.Description
		keywords = v.Keywords
	}

	_, err := i.db.ExecContext(ctx, `
		INSERT INTO packages (name, description, keywords, modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			keywords    = excluded.keywords,
			modified    = excluded.modified
	`, name, description, strings.Join(keywords, ","), m.Time["modified"].Format("2006-01-02T15:04:05.000Z"))
	if err != nil {
		return fmt.Errorf("searchindex: indexing %s: %w", name, err)
	}
	return nil
}

func (i *Index) Remove(ctx context.Context, name string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM packages WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("searchindex: removing %s: %w", name, err)
	}
	return nil
}

// Search matches query against name, description, and keywords using a
// simple case-insensitive substring filter, ordered by most-recently
// modified first. A full-text ranking engine is out of scope: this mirrors
// the "supplemental, may be stubbed" note in SPEC_FULL §9 for search.
func (i *Index) Search(ctx context.Context, query string) ([]pkgvault.SearchItem, error) {
	like := "%" + strings.ToLower(query) + "%"
	rows, err := i.db.QueryContext(ctx, `
		SELECT name, modified FROM packages
		WHERE lower(name) LIKE ? OR lower(description) LIKE ? OR lower(keywords) LIKE ?
		ORDER BY modified DESC
	`, like, like, like)
	if err != nil {
		return nil, fmt.Errorf("searchindex: querying: %w", err)
	}
	defer rows.Close()

	var items []pkgvault.SearchItem
	for rows.Next() {
		var item pkgvault.SearchItem
		if err := rows.Scan(&item.Name, &item.Modified); err != nil {
			return nil, fmt.Errorf("searchindex: scanning row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
