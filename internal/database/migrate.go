package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
)

// Миграции лежат в migrations/ в виде 0001_name.up.sql / 0001_name.down.sql
// и пишутся на общем подмножестве SQL postgres и sqlite.

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version  int
	name     string
	upFile   string
	downFile string
}

var migrationFileRe = regexp.MustCompile(`^([0-9]{4})_(.+)\.(up|down)\.sql$`)

func loadMigrations() (map[int]migration, error) {
	entries := map[int]migration{}
	list, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	for _, de := range list {
		if de.IsDir() {
			continue
		}
		m := migrationFileRe.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(m[1], "%04d", &version); err != nil {
			continue
		}
		item := entries[version]
		item.version = version
		item.name = m[2]
		path := "migrations/" + de.Name()
		if m[3] == "up" {
			item.upFile = path
		} else {
			item.downFile = path
		}
		entries[version] = item
	}
	return entries, nil
}

func (db *DB) ensureMigrationsTable() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

func (db *DB) appliedVersions() (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate применяет все еще не примененные миграции по возрастанию версии
func (db *DB) Migrate() error {
	if err := db.ensureMigrationsTable(); err != nil {
		return err
	}
	migs, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := db.appliedVersions()
	if err != nil {
		return err
	}

	versions := make([]int, 0, len(migs))
	for v := range migs {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, v := range versions {
		if applied[v] {
			continue
		}
		m := migs[v]
		if m.upFile == "" {
			return fmt.Errorf("missing up migration for version %04d", v)
		}
		if err := db.execMigration(m.upFile, `INSERT INTO schema_migrations (version) VALUES ($1)`, v); err != nil {
			return fmt.Errorf("migration %04d_%s failed: %w", v, m.name, err)
		}
	}
	return nil
}

// RollbackLast откатывает последнюю примененную миграцию
func (db *DB) RollbackLast() error {
	if err := db.ensureMigrationsTable(); err != nil {
		return err
	}
	var version int
	err := db.QueryRow(`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read last migration: %w", err)
	}

	migs, err := loadMigrations()
	if err != nil {
		return err
	}
	m, ok := migs[version]
	if !ok || m.downFile == "" {
		return fmt.Errorf("no down migration found for version %d", version)
	}
	return db.execMigration(m.downFile, `DELETE FROM schema_migrations WHERE version = $1`, version)
}

func (db *DB) execMigration(file, bookkeeping string, version int) error {
	text, err := migrationsFS.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(text)); err != nil {
		return err
	}
	if _, err := tx.Exec(bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}
