package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PenguCCN/Jellycord/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeStore struct {
	mu          sync.Mutex
	accounts    map[string]models.Account
	trials      map[string]models.TrialAccount
	lastCleanup time.Time
	runs        []models.CleanupRun
	removeErr   map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  make(map[string]models.Account),
		trials:    make(map[string]models.TrialAccount),
		removeErr: make(map[string]error),
	}
}

func (f *fakeStore) GetAccounts(context.Context) ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) RemoveAccount(_ context.Context, discordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[discordID]; err != nil {
		return err
	}
	delete(f.accounts, discordID)
	return nil
}

func (f *fakeStore) GetActiveTrials(context.Context) ([]models.TrialAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TrialAccount
	for _, t := range f.trials {
		if !t.Expired {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkTrialExpired(_ context.Context, discordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trials[discordID]
	if ok {
		t.Expired = true
		f.trials[discordID] = t
	}
	return nil
}

func (f *fakeStore) SetLastCleanup(_ context.Context, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCleanup = t
	return nil
}

func (f *fakeStore) RecordCleanupRun(_ context.Context, runAt time.Time, removed int, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, models.CleanupRun{RunAt: runAt, Removed: removed, Details: details})
	return nil
}

func (f *fakeStore) LastCleanup(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCleanup, nil
}

type fakeMedia struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (f *fakeMedia) DeleteUser(_ context.Context, username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[username] {
		return false
	}
	f.deleted = append(f.deleted, username)
	return true
}

type fakeRoles struct {
	entitled map[string]bool
	errFor   map[string]error
}

func (f *fakeRoles) Entitlement(_ context.Context, discordID string) (bool, error) {
	if err := f.errFor[discordID]; err != nil {
		return false, err
	}
	return f.entitled[discordID], nil
}

type fakeRequests struct {
	deleted []string
	fail    bool
}

func (f *fakeRequests) DeleteUser(_ context.Context, id string) bool {
	if f.fail {
		return false
	}
	f.deleted = append(f.deleted, id)
	return true
}

type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureNotifier) Notify(_ context.Context, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
}

func newTestEngine(store *fakeStore, media *fakeMedia, roles *fakeRoles, requests RequestManager) (*Engine, *captureNotifier) {
	sink := &captureNotifier{}
	e := NewEngine(testLogger(), store, media, requests, roles, sink, nil, 24*time.Hour)
	return e, sink
}

func TestRunPass_RevokesUnentitled(t *testing.T) {
	store := newFakeStore()
	store.accounts["42"] = models.Account{DiscordID: "42", JellyfinUsername: "alice", JellyfinID: "7"}
	media := &fakeMedia{fail: map[string]bool{}}
	roles := &fakeRoles{entitled: map[string]bool{"42": false}}
	e, _ := newTestEngine(store, media, roles, nil)

	sum, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if len(store.accounts) != 0 {
		t.Errorf("expected account row removed, %d rows remain", len(store.accounts))
	}
	if !slices.Contains(sum.Removed, "alice") {
		t.Errorf("expected alice in removed list, got %v", sum.Removed)
	}
	if !slices.Contains(media.deleted, "alice") {
		t.Errorf("expected external delete of alice, got %v", media.deleted)
	}
}

func TestRunPass_KeepsEntitled(t *testing.T) {
	store := newFakeStore()
	store.accounts["1"] = models.Account{DiscordID: "1", JellyfinUsername: "keeper"}
	media := &fakeMedia{fail: map[string]bool{}}
	roles := &fakeRoles{entitled: map[string]bool{"1": true}}
	e, _ := newTestEngine(store, media, roles, nil)

	sum, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(sum.Removed) != 0 {
		t.Errorf("expected nothing removed, got %v", sum.Removed)
	}
	if _, ok := store.accounts["1"]; !ok {
		t.Error("entitled account row should survive the pass")
	}
}

func TestRunPass_PartialFailureIsolation(t *testing.T) {
	store := newFakeStore()
	names := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, name := range names {
		id := string(rune('a' + i))
		store.accounts[id] = models.Account{DiscordID: id, JellyfinUsername: name}
	}
	// u3's delete fails; everyone else succeeds
	media := &fakeMedia{fail: map[string]bool{"u3": true}}
	roles := &fakeRoles{entitled: map[string]bool{}}
	e, _ := newTestEngine(store, media, roles, nil)

	sum, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if len(sum.Removed) != 4 {
		t.Errorf("expected 4 removed, got %d (%v)", len(sum.Removed), sum.Removed)
	}
	if len(sum.Failed) != 1 || sum.Failed[0] != "u3" {
		t.Errorf("expected only u3 to fail, got %v", sum.Failed)
	}
	if len(store.accounts) != 1 {
		t.Fatalf("expected exactly 1 surviving row, got %d", len(store.accounts))
	}
	for _, a := range store.accounts {
		if a.JellyfinUsername != "u3" {
			t.Errorf("surviving row should be u3, got %s", a.JellyfinUsername)
		}
	}
}

func TestRunPass_UnresolvedRoleStateSkips(t *testing.T) {
	store := newFakeStore()
	store.accounts["9"] = models.Account{DiscordID: "9", JellyfinUsername: "ghost"}
	media := &fakeMedia{fail: map[string]bool{}}
	roles := &fakeRoles{errFor: map[string]error{"9": errors.New("discord unreachable")}}
	e, _ := newTestEngine(store, media, roles, nil)

	sum, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(sum.Skipped) != 1 {
		t.Errorf("expected 1 skipped, got %v", sum.Skipped)
	}
	if len(media.deleted) != 0 {
		t.Errorf("no delete should happen while role state is unknown, got %v", media.deleted)
	}
	if _, ok := store.accounts["9"]; !ok {
		t.Error("account row must survive an unresolved role lookup")
	}
}

func TestRunPass_SatelliteFailureDoesNotGateRemoval(t *testing.T) {
	store := newFakeStore()
	seerrID := "77"
	store.accounts["5"] = models.Account{DiscordID: "5", JellyfinUsername: "dana", JellyseerrID: &seerrID}
	media := &fakeMedia{fail: map[string]bool{}}
	roles := &fakeRoles{entitled: map[string]bool{}}
	requests := &fakeRequests{fail: true}
	e, _ := newTestEngine(store, media, roles, requests)

	sum, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if !slices.Contains(sum.Removed, "dana") {
		t.Errorf("primary delete succeeded, row removal must not be gated by the satellite; got %v", sum.Removed)
	}
	if len(store.accounts) != 0 {
		t.Error("account row should be removed despite satellite failure")
	}
}

func TestRunPass_TrialExpiresRegardlessOfAdapter(t *testing.T) {
	store := newFakeStore()
	store.trials["99"] = models.TrialAccount{
		DiscordID:        "99",
		JellyfinUsername: "bob",
		CreatedAt:        time.Now().Add(-25 * time.Hour),
	}
	// remote delete fails; the ledger flips anyway
	media := &fakeMedia{fail: map[string]bool{"bob": true}}
	roles := &fakeRoles{}
	e, _ := newTestEngine(store, media, roles, nil)

	sum, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if !store.trials["99"].Expired {
		t.Error("trial must be flagged expired even when the remote delete fails")
	}
	if !slices.Contains(sum.TrialsExpired, "bob") {
		t.Errorf("expected bob in expired list, got %v", sum.TrialsExpired)
	}
}

func TestRunPass_YoungTrialSurvives(t *testing.T) {
	store := newFakeStore()
	store.trials["11"] = models.TrialAccount{
		DiscordID:        "11",
		JellyfinUsername: "fresh",
		CreatedAt:        time.Now().Add(-1 * time.Hour),
	}
	media := &fakeMedia{fail: map[string]bool{}}
	e, _ := newTestEngine(store, media, &fakeRoles{}, nil)

	if _, err := e.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if store.trials["11"].Expired {
		t.Error("a trial inside its lifetime must not expire")
	}
	if len(media.deleted) != 0 {
		t.Errorf("no delete expected, got %v", media.deleted)
	}
}

func TestRunPass_AlwaysRecordsProvenance(t *testing.T) {
	store := newFakeStore()
	e, sink := newTestEngine(store, &fakeMedia{}, &fakeRoles{}, nil)

	if _, err := e.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if store.lastCleanup.IsZero() {
		t.Error("last_cleanup must be written even for an empty pass")
	}
	if len(store.runs) != 1 {
		t.Errorf("expected 1 cleanup_runs row, got %d", len(store.runs))
	}
	if len(sink.messages) != 1 {
		t.Errorf("expected 1 summary notification, got %d", len(sink.messages))
	}
}

func TestRunPass_MutualExclusion(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(store, &fakeMedia{}, &fakeRoles{}, nil)

	// hold the engine busy by marking it running
	if !e.running.CompareAndSwap(false, true) {
		t.Fatal("engine unexpectedly running")
	}
	defer e.running.Store(false)

	if _, err := e.RunPass(context.Background()); !errors.Is(err, ErrPassInFlight) {
		t.Errorf("expected ErrPassInFlight, got %v", err)
	}
}

func TestSummary_Message(t *testing.T) {
	s := &Summary{Removed: []string{"alice", "bob"}, Failed: []string{"carol"}}
	msg := s.Message()
	for _, want := range []string{"2", "alice", "bob", "carol"} {
		if !strings.Contains(msg, want) {
			t.Errorf("summary %q missing %q", msg, want)
		}
	}
}
