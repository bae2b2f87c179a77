package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration of the connection's dialect in
// filename order and returns the versions it applied.
func (c *Connection) Migrate(ctx context.Context, logger logrus.FieldLogger) ([]string, error) {
	_, err := c.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) NOT NULL PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := path.Join("migrations", c.Dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations for %s: %w", c.Dialect, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var applied []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := c.queryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := c.applyMigration(ctx, version, string(content)); err != nil {
			return applied, err
		}
		logger.WithField("version", version).Info("applied migration")
		applied = append(applied, version)
	}
	return applied, nil
}

func (c *Connection) applyMigration(ctx context.Context, version, content string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", version, err)
	}
	// MySQL runs one statement per Exec
	for _, stmt := range splitStatements(content) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, c.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

func splitStatements(content string) []string {
	var out []string
	for _, s := range strings.Split(content, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
