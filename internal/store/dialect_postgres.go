package store

import (
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprintf("%v", v)
	}
	ph := pb.Add(strs)
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib the error message carries the PG code.
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func (d *PostgresDialect) TablesSQL() string {
	return pgTablesSQL
}

const pgTablesSQL = `
CREATE TABLE IF NOT EXISTS studies (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    current_data_version INT NOT NULL DEFAULT -1,
    doc                  JSONB NOT NULL,
    created_time         BIGINT NOT NULL,
    deleted_time         BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_studies_name
    ON studies (name) WHERE deleted_time IS NULL;

CREATE TABLE IF NOT EXISTS field_dictionary (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    field_id     TEXT NOT NULL,
    data_version TEXT,
    doc          JSONB NOT NULL,
    created_time BIGINT NOT NULL,
    deleted_time BIGINT
);
CREATE INDEX IF NOT EXISTS idx_fields_study_field ON field_dictionary (study_id, field_id);
CREATE INDEX IF NOT EXISTS idx_fields_unversioned
    ON field_dictionary (study_id) WHERE data_version IS NULL;

CREATE TABLE IF NOT EXISTS data_records (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    field_id     TEXT NOT NULL,
    data_version TEXT,
    doc          JSONB NOT NULL,
    created_time BIGINT NOT NULL,
    deleted_time BIGINT
);
CREATE INDEX IF NOT EXISTS idx_records_study_field ON data_records (study_id, field_id);
CREATE INDEX IF NOT EXISTS idx_records_unversioned
    ON data_records (study_id) WHERE data_version IS NULL;

CREATE TABLE IF NOT EXISTS roles (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    doc          JSONB NOT NULL,
    created_time BIGINT NOT NULL,
    deleted_time BIGINT
);
CREATE INDEX IF NOT EXISTS idx_roles_study ON roles (study_id);

CREATE TABLE IF NOT EXISTS cache_entries (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    key_hash     TEXT NOT NULL,
    status       TEXT NOT NULL,
    uri          TEXT NOT NULL,
    doc          JSONB NOT NULL,
    created_time BIGINT NOT NULL,
    deleted_time BIGINT
);
CREATE INDEX IF NOT EXISTS idx_cache_study_hash ON cache_entries (study_id, key_hash);

CREATE TABLE IF NOT EXISTS study_files (
    id           TEXT PRIMARY KEY,
    study_id     TEXT NOT NULL,
    doc          JSONB NOT NULL,
    created_time BIGINT NOT NULL,
    deleted_time BIGINT
);
CREATE INDEX IF NOT EXISTS idx_files_study ON study_files (study_id);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    doc           JSONB NOT NULL,
    created_time  BIGINT NOT NULL,
    deleted_time  BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username
    ON users (username) WHERE deleted_time IS NULL;

CREATE TABLE IF NOT EXISTS refresh_tokens (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    token        TEXT NOT NULL,
    expires_time BIGINT NOT NULL,
    created_time BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_refresh_token ON refresh_tokens (token);

CREATE TABLE IF NOT EXISTS audit_events (
    id           TEXT PRIMARY KEY,
    study_id     TEXT,
    user_id      TEXT,
    action       TEXT NOT NULL,
    doc          JSONB NOT NULL,
    created_time BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_study_time ON audit_events (study_id, created_time);
`

var _ Dialect = (*PostgresDialect)(nil)
