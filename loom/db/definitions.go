package db

import (
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Definition struct {
	Name      string
	Version   int
	Contents  []byte
	CreatedAt time.Time
}

// SaveDefinition stores a new version of a workflow definition. The
// caller validates the contents; this only assigns the next version.
func (d *DB) SaveDefinition(name string, contents []byte) (int, error) {
	var version int
	err := d.QueryRow(
		`select coalesce(max(version), 0) + 1 from definitions where name = ?`,
		name,
	).Scan(&version)
	if err != nil {
		return 0, err
	}

	_, err = d.Exec(
		`insert into definitions (name, version, contents) values (?, ?, ?)`,
		name, version, string(contents),
	)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// GetDefinition returns the latest version of a workflow definition.
func (d *DB) GetDefinition(name string) (*Definition, error) {
	return d.getDefinition(
		`select name, version, contents, created_at from definitions
		 where name = ? order by version desc limit 1`,
		name,
	)
}

func (d *DB) GetDefinitionVersion(name string, version int) (*Definition, error) {
	return d.getDefinition(
		`select name, version, contents, created_at from definitions
		 where name = ? and version = ?`,
		name, version,
	)
}

func (d *DB) getDefinition(query string, args ...any) (*Definition, error) {
	var def Definition
	var contents, createdAt string

	err := d.QueryRow(query, args...).Scan(&def.Name, &def.Version, &contents, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	def.Contents = []byte(contents)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		def.CreatedAt = t
	}

	return &def, nil
}

// ListDefinitions returns the latest version of every stored workflow.
func (d *DB) ListDefinitions() ([]Definition, error) {
	rows, err := d.Query(`
		select name, version, contents, created_at from definitions
		where (name, version) in (
			select name, max(version) from definitions group by name
		)
		order by name asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		var contents, createdAt string
		if err := rows.Scan(&def.Name, &def.Version, &contents, &createdAt); err != nil {
			return nil, err
		}
		def.Contents = []byte(contents)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			def.CreatedAt = t
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return defs, nil
}
