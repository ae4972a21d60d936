package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS questions (
		id {{pk}},
		question TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL,
		question_type TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id {{pk}},
		name TEXT NOT NULL,
		department TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		UNIQUE (name, department)
	)`,
	`CREATE TABLE IF NOT EXISTS departments (
		id {{pk}},
		name TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exam_settings (
		id INTEGER PRIMARY KEY,
		question_mode TEXT NOT NULL,
		custom_question_count INTEGER NOT NULL,
		exam_duration INTEGER NOT NULL,
		passing_score INTEGER NOT NULL,
		last_updated BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS exam_results (
		id {{pk}},
		user_name TEXT NOT NULL,
		department TEXT NOT NULL,
		score INTEGER NOT NULL,
		total_questions INTEGER NOT NULL,
		correct_answers INTEGER NOT NULL,
		used_time INTEGER NOT NULL DEFAULT 0,
		passing_score INTEGER NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_exam_results_identity ON exam_results (user_name, department)`,
	`CREATE TABLE IF NOT EXISTS exam_result_questions (
		id {{pk}},
		result_id BIGINT NOT NULL REFERENCES exam_results (id),
		seq_no INTEGER NOT NULL,
		question_id BIGINT NOT NULL DEFAULT 0,
		question TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL DEFAULT '',
		user_answer TEXT NOT NULL DEFAULT '',
		is_correct BOOLEAN NOT NULL DEFAULT FALSE,
		matched BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exam_result_questions_result ON exam_result_questions (result_id)`,
}

// Migrate creates the schema for the given driver. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	pk := "BIGSERIAL PRIMARY KEY"
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "sqlite3":
		pk = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{pk}}", pk)); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
