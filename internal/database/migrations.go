package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations brings databases created before schema.sql carried these
// columns and constraints up to date. Each must be idempotent.
var migrations = []migration{
	{
		name:  "add interviews.updated_at",
		sql:   `ALTER TABLE interviews ADD COLUMN IF NOT EXISTS updated_at timestamptz NOT NULL DEFAULT now()`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'interviews' AND column_name = 'updated_at')`,
	},
	{
		name:  "add interviews.llm_summary",
		sql:   `ALTER TABLE interviews ADD COLUMN IF NOT EXISTS llm_summary text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'interviews' AND column_name = 'llm_summary')`,
	},
	{
		name:  "add interviews.stt_started_at",
		sql:   `ALTER TABLE interviews ADD COLUMN IF NOT EXISTS stt_started_at timestamptz`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'interviews' AND column_name = 'stt_started_at')`,
	},
	{
		name: "add interviews stt_status check",
		sql: `ALTER TABLE interviews ADD CONSTRAINT interviews_stt_status_check
    CHECK (stt_status IN ('not_started', 'processing', 'completed', 'failed')) NOT VALID`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'interviews_stt_status_check')`,
	},
	{
		name: "add interviews audio-before-processing check",
		sql: `ALTER TABLE interviews ADD CONSTRAINT interviews_audio_before_processing
    CHECK (stt_status = 'not_started' OR audio_file_path IS NOT NULL) NOT VALID`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'interviews_audio_before_processing')`,
	},
	{
		name:  "add interviews stt_status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_interviews_stt_status ON interviews (stt_status)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_interviews_stt_status')`,
	},
	{
		name:  "add sessions user_id index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_sessions_user_id')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. A failed apply (e.g. insufficient
// privileges) is returned as a *MigrationError and should be treated as fatal.
func (db *DB) Migrate(ctx context.Context) error {
	pending, err := db.pendingMigrations(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// PendingMigrations returns the names of migrations not yet applied.
func (db *DB) PendingMigrations(ctx context.Context) ([]string, error) {
	pending, err := db.pendingMigrations(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pending))
	for i, m := range pending {
		names[i] = m.name
	}
	return names, nil
}

func (db *DB) pendingMigrations(ctx context.Context) ([]migration, error) {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err != nil {
				return nil, fmt.Errorf("check migration %q: %w", m.name, err)
			}
			if exists {
				continue
			}
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart oral-archive.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
