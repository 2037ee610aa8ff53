package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/notify"
)

// ErrPassInFlight is returned when a trigger arrives while a pass is
// already running, in this process or (via the lock) in another one.
var ErrPassInFlight = errors.New("a reconciliation pass is already running")

const lockKey = "jellycord:cleanup:lock"

// Store is the slice of the account store the engine needs. The engine
// holds only transient snapshots; it never caches rows across passes.
type Store interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	RemoveAccount(ctx context.Context, discordID string) error
	GetActiveTrials(ctx context.Context) ([]models.TrialAccount, error)
	MarkTrialExpired(ctx context.Context, discordID string) error
	SetLastCleanup(ctx context.Context, t time.Time) error
	RecordCleanupRun(ctx context.Context, runAt time.Time, removed int, details string) error
}

// MediaServer is the primary external system. Its delete is idempotent:
// true both when the user was removed and when it was already absent.
type MediaServer interface {
	DeleteUser(ctx context.Context, username string) bool
}

// RequestManager is the optional satellite system. Cleanup there is
// best-effort and never gates account removal.
type RequestManager interface {
	DeleteUser(ctx context.Context, id string) bool
}

// RoleAuthority answers live entitlement. The error form lets the engine
// skip accounts whose role state could not be resolved at all.
type RoleAuthority interface {
	Entitlement(ctx context.Context, discordID string) (bool, error)
}

// Locker provides cross-process mutual exclusion for passes.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Summary reports one finished pass.
type Summary struct {
	RanAt         time.Time `json:"ran_at"`
	Removed       []string  `json:"removed"`
	Failed        []string  `json:"failed"`
	TrialsExpired []string  `json:"trials_expired"`
	Skipped       []string  `json:"skipped"`
}

// Engine revokes accounts whose entitlement lapsed and expires trials.
// Failures are isolated per entry: one bad account never aborts the pass.
type Engine struct {
	log      *slog.Logger
	store    Store
	media    MediaServer
	requests RequestManager // nil when the integration is disabled
	roles    RoleAuthority
	notifier notify.Notifier
	locker   Locker // nil in single-process tests

	trialDuration time.Duration
	lockTTL       time.Duration
	running       atomic.Bool
	now           func() time.Time
}

func NewEngine(log *slog.Logger, store Store, media MediaServer, requests RequestManager, roles RoleAuthority, notifier notify.Notifier, locker Locker, trialDuration time.Duration) *Engine {
	return &Engine{
		log:           log,
		store:         store,
		media:         media,
		requests:      requests,
		roles:         roles,
		notifier:      notifier,
		locker:        locker,
		trialDuration: trialDuration,
		lockTTL:       15 * time.Minute,
		now:           time.Now,
	}
}

// RunPass executes one reconciliation pass. It is safe to call from the
// scheduler, the chat front end, and the admin API concurrently: all but
// one caller get ErrPassInFlight.
func (e *Engine) RunPass(ctx context.Context) (*Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrPassInFlight
	}
	defer e.running.Store(false)

	owner := lockOwner()
	if e.locker != nil {
		acquired, err := e.locker.AcquireLock(ctx, lockKey, owner, e.lockTTL)
		if err != nil {
			// a dead lock backend degrades to in-process exclusion only
			e.log.Warn("cleanup_lock_unavailable", "error", err)
		} else if !acquired {
			return nil, ErrPassInFlight
		} else {
			defer func() {
				if err := e.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, owner); err != nil {
					e.log.Warn("cleanup_lock_release_failed", "error", err)
				}
			}()
		}
	}

	start := e.now().UTC()
	e.log.Info("cleanup_pass_started")

	summary := &Summary{RanAt: start}
	e.revokeUnentitled(ctx, summary)
	e.expireTrials(ctx, summary)

	// provenance is written even when nothing changed so "time since last
	// run" is always answerable
	if err := e.store.SetLastCleanup(ctx, start); err != nil {
		e.log.Error("last_cleanup_write_failed", "error", err)
	}
	details := strings.Join(summary.Removed, ",")
	if err := e.store.RecordCleanupRun(ctx, start, len(summary.Removed), details); err != nil {
		e.log.Error("cleanup_run_record_failed", "error", err)
	}

	e.log.Info("cleanup_pass_finished",
		"removed", len(summary.Removed),
		"failed", len(summary.Failed),
		"trials_expired", len(summary.TrialsExpired),
		"skipped", len(summary.Skipped),
	)
	e.notifier.Notify(ctx, summary.Message())

	return summary, nil
}

// revokeUnentitled walks the account snapshot and revokes every account
// whose user no longer holds an entitlement role. The primary delete gates
// row removal; the satellite delete never does.
func (e *Engine) revokeUnentitled(ctx context.Context, summary *Summary) {
	accounts, err := e.store.GetAccounts(ctx)
	if err != nil {
		e.log.Error("account_snapshot_failed", "error", err)
		return
	}

	for _, acc := range accounts {
		entitled, err := e.roles.Entitlement(ctx, acc.DiscordID)
		if err != nil {
			// role state unresolved: skipping beats revoking every account
			// during a Discord outage
			e.log.Warn("entitlement_unresolved", "discord_id", acc.DiscordID, "error", err)
			summary.Skipped = append(summary.Skipped, acc.JellyfinUsername)
			continue
		}
		if entitled {
			continue
		}

		if !e.media.DeleteUser(ctx, acc.JellyfinUsername) {
			e.log.Warn("revoke_delete_failed",
				"discord_id", acc.DiscordID,
				"username", acc.JellyfinUsername,
			)
			summary.Failed = append(summary.Failed, acc.JellyfinUsername)
			continue
		}

		if acc.JellyseerrID != nil && e.requests != nil {
			if !e.requests.DeleteUser(ctx, *acc.JellyseerrID) {
				e.log.Warn("satellite_delete_failed",
					"discord_id", acc.DiscordID,
					"jellyseerr_id", *acc.JellyseerrID,
				)
			}
		}

		if err := e.store.RemoveAccount(ctx, acc.DiscordID); err != nil {
			// remote user is gone; the next pass sees an idempotent delete
			// succeed and removes the row then
			e.log.Error("account_row_remove_failed", "discord_id", acc.DiscordID, "error", err)
			summary.Failed = append(summary.Failed, acc.JellyfinUsername)
			continue
		}

		e.log.Info("account_revoked",
			"discord_id", acc.DiscordID,
			"username", acc.JellyfinUsername,
		)
		summary.Removed = append(summary.Removed, acc.JellyfinUsername)
	}
}

// expireTrials flags every trial past its lifetime. The flag flips
// regardless of the remote delete outcome: the ledger exists to prevent a
// second trial, not to mirror Jellyfin.
func (e *Engine) expireTrials(ctx context.Context, summary *Summary) {
	trials, err := e.store.GetActiveTrials(ctx)
	if err != nil {
		e.log.Error("trial_snapshot_failed", "error", err)
		return
	}

	for _, trial := range trials {
		if e.now().Sub(trial.CreatedAt) < e.trialDuration {
			continue
		}

		if !e.media.DeleteUser(ctx, trial.JellyfinUsername) {
			e.log.Warn("trial_delete_failed",
				"discord_id", trial.DiscordID,
				"username", trial.JellyfinUsername,
			)
		}

		if err := e.store.MarkTrialExpired(ctx, trial.DiscordID); err != nil {
			e.log.Error("trial_expire_failed", "discord_id", trial.DiscordID, "error", err)
			continue
		}

		e.log.Info("trial_expired",
			"discord_id", trial.DiscordID,
			"username", trial.JellyfinUsername,
		)
		summary.TrialsExpired = append(summary.TrialsExpired, trial.JellyfinUsername)
	}
}

// Message renders the summary for the notification sink.
func (s *Summary) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cleanup finished: removed %d account(s)", len(s.Removed))
	if len(s.Removed) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(s.Removed, ", "))
	}
	if len(s.TrialsExpired) > 0 {
		fmt.Fprintf(&b, ", expired %d trial(s) (%s)", len(s.TrialsExpired), strings.Join(s.TrialsExpired, ", "))
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, ", %d pending retry (%s)", len(s.Failed), strings.Join(s.Failed, ", "))
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped (role state unavailable)", len(s.Skipped))
	}
	return b.String()
}

func lockOwner() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("owner-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
