package store

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", "))
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func (d *SQLiteDialect) TablesSQL() string {
	return sqliteTablesSQL
}

const sqliteTablesSQL = `
CREATE TABLE IF NOT EXISTS studies (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    current_data_version INTEGER NOT NULL DEFAULT -1,
    doc                  TEXT NOT NULL,
    created_time         INTEGER NOT NULL,
    deleted_time         INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_studies_name
    ON studies (name) WHERE deleted_time IS NULL;

CREATE TABLE IF NOT EXISTS field_dictionary (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    field_id     TEXT NOT NULL,
    data_version TEXT,
    doc          TEXT NOT NULL,
    created_time INTEGER NOT NULL,
    deleted_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_fields_study_field ON field_dictionary (study_id, field_id);
CREATE INDEX IF NOT EXISTS idx_fields_unversioned
    ON field_dictionary (study_id) WHERE data_version IS NULL;

CREATE TABLE IF NOT EXISTS data_records (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    field_id     TEXT NOT NULL,
    data_version TEXT,
    doc          TEXT NOT NULL,
    created_time INTEGER NOT NULL,
    deleted_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_records_study_field ON data_records (study_id, field_id);
CREATE INDEX IF NOT EXISTS idx_records_unversioned
    ON data_records (study_id) WHERE data_version IS NULL;

CREATE TABLE IF NOT EXISTS roles (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    doc          TEXT NOT NULL,
    created_time INTEGER NOT NULL,
    deleted_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_roles_study ON roles (study_id);

CREATE TABLE IF NOT EXISTS cache_entries (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    key_hash     TEXT NOT NULL,
    status       TEXT NOT NULL,
    uri          TEXT NOT NULL,
    doc          TEXT NOT NULL,
    created_time INTEGER NOT NULL,
    deleted_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_study_hash ON cache_entries (study_id, key_hash);

CREATE TABLE IF NOT EXISTS study_files (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    doc          TEXT NOT NULL,
    created_time INTEGER NOT NULL,
    deleted_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_files_study ON study_files (study_id);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    active        INTEGER NOT NULL DEFAULT 1,
    doc           TEXT NOT NULL,
    created_time  INTEGER NOT NULL,
    deleted_time  INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username
    ON users (username) WHERE deleted_time IS NULL;

CREATE TABLE IF NOT EXISTS refresh_tokens (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    token        TEXT NOT NULL,
    expires_time INTEGER NOT NULL,
    created_time INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_refresh_token ON refresh_tokens (token);

CREATE TABLE IF NOT EXISTS audit_events (
    id           TEXT PRIMARY KEY,
    study_id     TEXT,
    user_id      TEXT,
    action       TEXT NOT NULL,
    doc          TEXT NOT NULL,
    created_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_study_time ON audit_events (study_id, created_time);
`

var _ Dialect = (*SQLiteDialect)(nil)
