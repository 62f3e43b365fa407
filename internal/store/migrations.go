package store

import (
	"fmt"

	"go.uber.org/zap"
)

// migration is a single schema migration.
type migration struct {
	version int
	name    string
	up      func() error
}

// migrate applies outstanding schema migrations in order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	migrations := []migration{
		{version: 1, name: "initial_schema", up: s.migration001InitialSchema},
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		s.logger.Info("applying migration", zap.Int("version", m.version), zap.String("name", m.name))
		if err := m.up(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) migration001InitialSchema() error {
	stmts := []string{
		// Append-only event log. The FTS index is maintained from inserts
		// and deletes only; the BEFORE UPDATE trigger makes any mutation
		// fail instead of desynchronizing it.
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_version INTEGER NOT NULL DEFAULT 1,
			type TEXT NOT NULL,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			project TEXT,
			project_path TEXT,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_type ON events(project_path, type, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			type, text, content='events', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, type, text)
			VALUES (NEW.id, NEW.type,
				COALESCE(json_extract(NEW.payload, '$.text'), json_extract(NEW.payload, '$.error')));
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, type, text)
			VALUES ('delete', OLD.id, OLD.type,
				COALESCE(json_extract(OLD.payload, '$.text'), json_extract(OLD.payload, '$.error')));
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events BEGIN
			SELECT RAISE(ABORT, 'events are insert-only');
		END`,

		// Error knowledge base: one row per normalized key.
		`CREATE TABLE IF NOT EXISTS knowledge (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			normalized_key TEXT NOT NULL,
			raw_sample TEXT,
			resolution TEXT,
			resolved_by TEXT,
			tool_sequence TEXT,
			use_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_key ON knowledge(normalized_key)`,
		`CREATE TABLE IF NOT EXISTS knowledge_vectors (
			owner_id INTEGER PRIMARY KEY,
			vector BLOB NOT NULL
		)`,

		// Skill records plus their vectors.
		`CREATE TABLE IF NOT EXISTS skills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'global',
			source_path TEXT NOT NULL,
			description TEXT,
			triggers TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_skills_name ON skills(name)`,
		`CREATE TABLE IF NOT EXISTS skill_vectors (
			owner_id INTEGER PRIMARY KEY,
			vector BLOB NOT NULL
		)`,

		// Content-addressable analysis cache.
		`CREATE TABLE IF NOT EXISTS analysis_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			window_days INTEGER NOT NULL,
			input_hash TEXT NOT NULL,
			result TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_cache_hash
			ON analysis_cache(scope_key, window_days, input_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
