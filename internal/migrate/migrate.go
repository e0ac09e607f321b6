package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed db/migrations
var Files embed.FS

type Runner struct {
	FS fs.FS
}

func NewRunner(files fs.FS) *Runner {
	if files == nil {
		files = Files
	}
	return &Runner{FS: files}
}

// Apply runs every db/migrations/<dialect>/*.sql file not yet recorded in
// schema_migrations, in lexical order.
func (r *Runner) Apply(ctx context.Context, db *sql.DB, dialect string) error {
	if db == nil {
		return fmt.Errorf("nil db")
	}
	if dialect == "" {
		return fmt.Errorf("empty dialect")
	}
	files, err := r.Pending(dialect)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	insert := "INSERT INTO schema_migrations (version) VALUES (?)"
	if dialect == "postgres" {
		insert = "INSERT INTO schema_migrations (version) VALUES ($1)"
	}
	for _, p := range files {
		version := path.Base(p)
		if applied[version] {
			continue
		}
		sqlBytes, err := fs.ReadFile(r.FS, p)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply %s: %w", p, err)
		}
		if _, err := db.ExecContext(ctx, insert, version); err != nil {
			return fmt.Errorf("record %s: %w", p, err)
		}
	}
	return nil
}

// Pending lists the migration files shipped for dialect.
func (r *Runner) Pending(dialect string) ([]string, error) {
	base := path.Join("db", "migrations", dialect)
	entries, err := fs.ReadDir(r.FS, base)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, path.Join(base, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}
