package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial schema (associated devices table).
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// The devices table stores associated (paired) phones.
	// Each device has a unique ID and a bcrypt-hashed token for authentication.
	// The token_hash is never exposed; only the raw token is sent to the phone once.
	// user_id records which driver profile the phone was paired under.
	const devicesTable = `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(devicesTable); err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}

	// Record the migration
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}

// migrateToV2 adds the trusted_devices table for enrolled unlock devices.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	// The trusted_devices table records devices whose escrow tokens were
	// activated by the trust agent. The handle is the agent's 64-bit
	// identifier for the stored token; the token itself is never persisted.
	// Removal on unpair is handled by the trust manager rather than a
	// foreign key cascade, because the agent-side token must be removed
	// in the same pass.
	const trustedDevicesTable = `
		CREATE TABLE IF NOT EXISTS trusted_devices (
			device_id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			handle INTEGER NOT NULL,
			enrolled_at TEXT NOT NULL
		);

		-- Index for the common "trusted devices for the active user" query.
		CREATE INDEX IF NOT EXISTS idx_trusted_user ON trusted_devices(user_id);
	`

	if _, err := s.db.Exec(trustedDevicesTable); err != nil {
		return fmt.Errorf("create trusted_devices table: %w", err)
	}

	// Record the migration
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		2,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}
