package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PenguCCN/Jellycord/internal/db"
	"github.com/PenguCCN/Jellycord/internal/models"
)

// ErrTrialExists is returned when a Discord user already has a trial row,
// expired or not. Trials are one per user, ever.
var ErrTrialExists = errors.New("trial already exists for this discord user")

const uniqueViolation = "23505"

// MetaLastCleanup is the bot_metadata key holding the last pass timestamp.
const (
	MetaLastCleanup   = "last_cleanup"
	MetaCommandPrefix = "command_prefix"
)

// AccountStore owns all persisted rows. Callers get snapshots and must not
// cache them across reconciliation passes.
type AccountStore struct {
	db *db.DB
}

func New(dbConn *db.DB) *AccountStore {
	return &AccountStore{db: dbConn}
}

// PutAccount upserts the account row for a Discord user. Overwriting an
// existing row is the re-link mechanism, not an error.
func (s *AccountStore) PutAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO accounts (discord_id, jellyfin_username, jellyfin_id, jellyseerr_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (discord_id) DO UPDATE SET
			jellyfin_username = EXCLUDED.jellyfin_username,
			jellyfin_id = EXCLUDED.jellyfin_id,
			jellyseerr_id = EXCLUDED.jellyseerr_id`,
		a.DiscordID, a.JellyfinUsername, a.JellyfinID, a.JellyseerrID,
	)
	return err
}

// GetAccounts returns a full snapshot of linked accounts. Order is not
// meaningful.
func (s *AccountStore) GetAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT discord_id, jellyfin_username, jellyfin_id, jellyseerr_id FROM accounts`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.DiscordID, &a.JellyfinUsername, &a.JellyfinID, &a.JellyseerrID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindByDiscordID returns the linked account, or nil when none exists.
func (s *AccountStore) FindByDiscordID(ctx context.Context, discordID string) (*models.Account, error) {
	var a models.Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT discord_id, jellyfin_username, jellyfin_id, jellyseerr_id
		 FROM accounts WHERE discord_id = $1`,
		discordID,
	).Scan(&a.DiscordID, &a.JellyfinUsername, &a.JellyfinID, &a.JellyseerrID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByUsername matches on the Jellyfin username, case-insensitively, or
// returns nil when no row matches.
func (s *AccountStore) FindByUsername(ctx context.Context, username string) (*models.Account, error) {
	var a models.Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT discord_id, jellyfin_username, jellyfin_id, jellyseerr_id
		 FROM accounts WHERE LOWER(jellyfin_username) = LOWER($1)`,
		username,
	).Scan(&a.DiscordID, &a.JellyfinUsername, &a.JellyfinID, &a.JellyseerrID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RemoveAccount deletes the row for a Discord user. Removing an absent row
// is not an error; reconciliation and self-deletion may race.
func (s *AccountStore) RemoveAccount(ctx context.Context, discordID string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM accounts WHERE discord_id = $1`, discordID)
	return err
}

// PutTrial inserts the one-and-only trial row for a Discord user. Any
// existing row, including an expired one, rejects with ErrTrialExists.
func (s *AccountStore) PutTrial(ctx context.Context, t models.TrialAccount) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO trial_accounts (discord_id, jellyfin_username, jellyfin_id, created_at, expired)
		 VALUES ($1, $2, $3, $4, FALSE)`,
		t.DiscordID, t.JellyfinUsername, t.JellyfinID, createdAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrTrialExists
	}
	return err
}

// FindTrial returns the trial row for a Discord user regardless of its
// expired flag, or nil when the user never had a trial.
func (s *AccountStore) FindTrial(ctx context.Context, discordID string) (*models.TrialAccount, error) {
	var t models.TrialAccount
	err := s.db.Pool.QueryRow(ctx,
		`SELECT discord_id, jellyfin_username, jellyfin_id, created_at, expired
		 FROM trial_accounts WHERE discord_id = $1`,
		discordID,
	).Scan(&t.DiscordID, &t.JellyfinUsername, &t.JellyfinID, &t.CreatedAt, &t.Expired)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetActiveTrials returns trials not yet flagged expired.
func (s *AccountStore) GetActiveTrials(ctx context.Context) ([]models.TrialAccount, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT discord_id, jellyfin_username, jellyfin_id, created_at, expired
		 FROM trial_accounts WHERE expired = FALSE`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrialAccount
	for rows.Next() {
		var t models.TrialAccount
		if err := rows.Scan(&t.DiscordID, &t.JellyfinUsername, &t.JellyfinID, &t.CreatedAt, &t.Expired); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTrialExpired flips the trial row to expired. The row itself stays
// forever; it is the anti-abuse ledger. Idempotent.
func (s *AccountStore) MarkTrialExpired(ctx context.Context, discordID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE trial_accounts SET expired = TRUE WHERE discord_id = $1`,
		discordID,
	)
	return err
}

// GetMetadata returns the value for a key, or "" when unset.
func (s *AccountStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT value FROM bot_metadata WHERE key_name = $1`, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetMetadata writes a key, last write wins.
func (s *AccountStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO bot_metadata (key_name, value) VALUES ($1, $2)
		 ON CONFLICT (key_name) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	return err
}

// RecordCleanupRun appends one provenance row for a finished pass.
func (s *AccountStore) RecordCleanupRun(ctx context.Context, runAt time.Time, removed int, details string) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO cleanup_runs (run_at, removed, details) VALUES ($1, $2, $3)`,
		runAt, removed, details,
	)
	return err
}

// RecentCleanupRuns returns the newest runs first, capped at limit.
func (s *AccountStore) RecentCleanupRuns(ctx context.Context, limit int) ([]models.CleanupRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, run_at, removed, details FROM cleanup_runs
		 ORDER BY run_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CleanupRun
	for rows.Next() {
		var r models.CleanupRun
		if err := rows.Scan(&r.ID, &r.RunAt, &r.Removed, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastCleanup parses the last_cleanup metadata timestamp. The zero time
// means no pass has ever run.
func (s *AccountStore) LastCleanup(ctx context.Context) (time.Time, error) {
	raw, err := s.GetMetadata(ctx, MetaLastCleanup)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// unparseable metadata is treated as never-ran rather than fatal
		return time.Time{}, nil
	}
	return t, nil
}

// SetLastCleanup stores the pass timestamp in RFC3339 UTC.
func (s *AccountStore) SetLastCleanup(ctx context.Context, t time.Time) error {
	return s.SetMetadata(ctx, MetaLastCleanup, t.UTC().Format(time.RFC3339))
}
