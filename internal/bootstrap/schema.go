package bootstrap

import (
	"database/sql"
	"fmt"
)

// schemaStatements creates every fence table. Statements are idempotent and
// ordered so foreign keys resolve.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS identity_providers (
		name        TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL DEFAULT '',
		display_name  TEXT NOT NULL DEFAULT '',
		phone_number  TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		idp_name      TEXT REFERENCES identity_providers(name),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (LOWER(username))`,
	`CREATE TABLE IF NOT EXISTS projects (
		id      TEXT PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE,
		auth_id TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_groups (
		user_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_projects (
		group_id   TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, project_id)
	)`,
	`CREATE TABLE IF NOT EXISTS access_privileges (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		privileges TEXT NOT NULL DEFAULT '',
		provider   TEXT NOT NULL DEFAULT '',
		UNIQUE (user_id, project_id)
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		client_id          TEXT PRIMARY KEY,
		client_secret_hash TEXT,
		name               TEXT NOT NULL UNIQUE,
		description        TEXT NOT NULL DEFAULT '',
		user_id            TEXT REFERENCES users(id) ON DELETE CASCADE,
		auto_approve       BOOLEAN NOT NULL DEFAULT FALSE,
		is_confidential    BOOLEAN NOT NULL DEFAULT TRUE,
		redirect_uris      TEXT NOT NULL DEFAULT '',
		allowed_scopes     TEXT NOT NULL DEFAULT '',
		grant_types        TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS authorization_codes (
		code         TEXT PRIMARY KEY,
		client_id    TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
		user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		scope        TEXT NOT NULL DEFAULT '',
		nonce        TEXT NOT NULL DEFAULT '',
		redirect_uri TEXT NOT NULL DEFAULT '',
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_refresh_tokens (
		jti        TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blacklisted_tokens (
		jti        TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS upstream_refresh_tokens (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		refresh_token TEXT NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ga4gh_visas (
		id       TEXT PRIMARY KEY,
		user_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		encoded  TEXT NOT NULL,
		source   TEXT NOT NULL,
		type     TEXT NOT NULL,
		asserted BIGINT NOT NULL,
		expires  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ga4gh_visas_user_idx ON ga4gh_visas (user_id)`,
	`CREATE INDEX IF NOT EXISTS upstream_refresh_tokens_user_idx ON upstream_refresh_tokens (user_id)`,
}

// InitializeSchema creates all fence tables if they do not exist.
func InitializeSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
