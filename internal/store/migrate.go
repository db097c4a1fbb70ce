package store

import (
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// migrationLockID is the Postgres advisory lock key held while migrating.
const migrationLockID = 7318405

type migration struct {
	name string
	sql  string
}

// migrations returns the dialect's migration files in lexicographic order.
func migrations(dialect string) ([]migration, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, eris.Wrapf(err, "store: read %s migrations", dialect)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		data, err := migrationFS.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "store: read migration %s", e.Name())
		}
		out = append(out, migration{name: e.Name(), sql: string(data)})
	}
	return out, nil
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
)`
