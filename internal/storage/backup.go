package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/PenguCCN/Jellycord/internal/models"
)

// SnapshotSource is the slice of the account store the backup job reads.
type SnapshotSource interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	GetActiveTrials(ctx context.Context) ([]models.TrialAccount, error)
	RecentCleanupRuns(ctx context.Context, limit int) ([]models.CleanupRun, error)
}

// ObjectWriter is implemented by S3Client.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

type snapshot struct {
	TakenAt  time.Time             `json:"taken_at"`
	Accounts []models.Account      `json:"accounts"`
	Trials   []models.TrialAccount `json:"trials"`
	Runs     []models.CleanupRun   `json:"cleanup_runs"`
}

// BackupJob periodically serializes the account tables to JSON and uploads
// them. Losing a backup never affects the bot; failures are only logged.
type BackupJob struct {
	log      *slog.Logger
	source   SnapshotSource
	writer   ObjectWriter
	interval time.Duration
	stop     chan struct{}
}

func NewBackupJob(log *slog.Logger, source SnapshotSource, writer ObjectWriter, interval time.Duration) *BackupJob {
	return &BackupJob{
		log:      log,
		source:   source,
		writer:   writer,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start blocks; run in a goroutine. The first backup is taken immediately.
func (b *BackupJob) Start(ctx context.Context) {
	b.runOnce(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runOnce(ctx)
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *BackupJob) Stop() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
}

func (b *BackupJob) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	snap := snapshot{TakenAt: time.Now().UTC()}
	var err error
	if snap.Accounts, err = b.source.GetAccounts(runCtx); err != nil {
		b.log.Warn("backup_accounts_read_failed", "error", err)
		return
	}
	if snap.Trials, err = b.source.GetActiveTrials(runCtx); err != nil {
		b.log.Warn("backup_trials_read_failed", "error", err)
		return
	}
	if snap.Runs, err = b.source.RecentCleanupRuns(runCtx, 50); err != nil {
		b.log.Warn("backup_runs_read_failed", "error", err)
		return
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		b.log.Warn("backup_marshal_failed", "error", err)
		return
	}

	key := fmt.Sprintf("backups/jellycord-%s.json", snap.TakenAt.Format("2006-01-02T15-04-05"))
	if err := b.writer.PutObject(runCtx, key, raw, "application/json"); err != nil {
		b.log.Warn("backup_upload_failed", "key", key, "error", err)
		return
	}

	b.log.Info("backup_uploaded", "key", key, "accounts", len(snap.Accounts), "trials", len(snap.Trials))
}
