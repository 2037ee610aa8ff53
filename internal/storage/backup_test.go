package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/PenguCCN/Jellycord/internal/models"
)

type fakeSource struct {
	accounts []models.Account
	trials   []models.TrialAccount
	runs     []models.CleanupRun
	err      error
}

func (f *fakeSource) GetAccounts(_ context.Context) ([]models.Account, error) {
	return f.accounts, f.err
}

func (f *fakeSource) GetActiveTrials(_ context.Context) ([]models.TrialAccount, error) {
	return f.trials, nil
}

func (f *fakeSource) RecentCleanupRuns(_ context.Context, _ int) ([]models.CleanupRun, error) {
	return f.runs, nil
}

type fakeWriter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakeWriter) PutObject(_ context.Context, key string, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestBackupUploadsSnapshot(t *testing.T) {
	source := &fakeSource{
		accounts: []models.Account{{DiscordID: "100", JellyfinUsername: "alice"}},
		trials:   []models.TrialAccount{{DiscordID: "200", JellyfinUsername: "bob"}},
		runs:     []models.CleanupRun{{ID: 1, RunAt: time.Now(), Removed: 2}},
	}
	writer := &fakeWriter{}

	job := NewBackupJob(testLogger(), source, writer, time.Hour)
	job.runOnce(context.Background())

	if len(writer.keys) != 1 {
		t.Fatalf("expected one upload, got %d", len(writer.keys))
	}

	var snap snapshot
	if err := json.Unmarshal(writer.bodies[0], &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Accounts) != 1 || snap.Accounts[0].JellyfinUsername != "alice" {
		t.Fatalf("unexpected accounts %+v", snap.Accounts)
	}
	if len(snap.Trials) != 1 || len(snap.Runs) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestBackupSkipsUploadOnReadFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	writer := &fakeWriter{}

	job := NewBackupJob(testLogger(), source, writer, time.Hour)
	job.runOnce(context.Background())

	if len(writer.keys) != 0 {
		t.Fatal("a failed read must not upload a partial snapshot")
	}
}

func TestBackupUploadFailureIsNotFatal(t *testing.T) {
	source := &fakeSource{}
	writer := &fakeWriter{err: errors.New("bucket gone")}

	job := NewBackupJob(testLogger(), source, writer, time.Hour)
	job.runOnce(context.Background())
	// nothing to assert beyond not panicking; failures only log
}
