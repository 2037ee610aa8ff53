package db

import "context"

// schema mirrors the legacy bot's tables plus the trial ledger and the
// cleanup audit log. trial_accounts rows are never deleted; the UNIQUE
// constraint on discord_id is what enforces one-trial-ever.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		discord_id TEXT PRIMARY KEY,
		jellyfin_username TEXT NOT NULL,
		jellyfin_id TEXT NOT NULL DEFAULT '',
		jellyseerr_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS trial_accounts (
		discord_id TEXT UNIQUE NOT NULL,
		jellyfin_username TEXT NOT NULL,
		jellyfin_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expired BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS bot_metadata (
		key_name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cleanup_runs (
		id BIGSERIAL PRIMARY KEY,
		run_at TIMESTAMPTZ NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT ''
	)`,
}

// InitSchema creates the bot's tables when missing. Safe to run on every start.
func (d *DB) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
