package models

import "time"

// Account links a Discord user to a provisioned Jellyfin account.
// At most one row exists per Discord id; re-linking overwrites in place.
type Account struct {
	DiscordID        string  `json:"discord_id"`
	JellyfinUsername string  `json:"jellyfin_username"`
	JellyfinID       string  `json:"jellyfin_id"`
	JellyseerrID     *string `json:"jellyseerr_id,omitempty"`
}

// TrialAccount is a one-time, time-boxed Jellyfin account. Rows are never
// deleted, only flagged expired; the table doubles as the one-trial-ever
// ledger.
type TrialAccount struct {
	DiscordID        string    `json:"discord_id"`
	JellyfinUsername string    `json:"jellyfin_username"`
	JellyfinID       string    `json:"jellyfin_id"`
	CreatedAt        time.Time `json:"created_at"`
	Expired          bool      `json:"expired"`
}

// CleanupRun is one append-only provenance record per reconciliation pass.
type CleanupRun struct {
	ID      int64     `json:"id"`
	RunAt   time.Time `json:"run_at"`
	Removed int       `json:"removed"`
	Details string    `json:"details,omitempty"`
}
