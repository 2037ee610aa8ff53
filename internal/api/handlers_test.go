package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PenguCCN/Jellycord/internal/config"
	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
)

type fakeStore struct {
	accounts map[string]models.Account
	lastRun  time.Time
	runs     []models.CleanupRun
}

func (f *fakeStore) GetAccounts(_ context.Context) ([]models.Account, error) {
	out := make([]models.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) FindByDiscordID(_ context.Context, id string) (*models.Account, error) {
	if a, ok := f.accounts[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (f *fakeStore) FindByUsername(_ context.Context, username string) (*models.Account, error) {
	for _, a := range f.accounts {
		if strings.EqualFold(a.JellyfinUsername, username) {
			return &a, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) PutAccount(_ context.Context, a models.Account) error {
	f.accounts[a.DiscordID] = a
	return nil
}

func (f *fakeStore) RemoveAccount(_ context.Context, id string) error {
	delete(f.accounts, id)
	return nil
}

func (f *fakeStore) LastCleanup(_ context.Context) (time.Time, error) { return f.lastRun, nil }

func (f *fakeStore) RecentCleanupRuns(_ context.Context, _ int) ([]models.CleanupRun, error) {
	return f.runs, nil
}

type fakeRunner struct {
	inFlight bool
	calls    int
}

func (f *fakeRunner) RunPass(_ context.Context) (*reconcile.Summary, error) {
	if f.inFlight {
		return nil, reconcile.ErrPassInFlight
	}
	f.calls++
	return &reconcile.Summary{RanAt: time.Now(), Removed: []string{"alice"}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakeRunner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &fakeStore{accounts: map[string]models.Account{}}
	runner := &fakeRunner{}
	log := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	cfg := config.Config{AdminSecretKey: "test-key"}

	return NewServer(log, store, runner, nil, cfg), store, runner
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func doRequest(s *Server, method, path, body, adminKey string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	s, _, runner := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/admin/cleanup", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/v1/admin/cleanup", "", "wrong-key")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", w.Code)
	}

	if runner.calls != 0 {
		t.Fatal("unauthorized requests must not trigger a pass")
	}
}

func TestTriggerCleanup(t *testing.T) {
	s, _, runner := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/api/v1/admin/cleanup", "", "test-key")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if runner.calls != 1 {
		t.Fatalf("expected one pass, got %d", runner.calls)
	}

	runner.inFlight = true
	w = doRequest(s, http.MethodPost, "/api/v1/admin/cleanup", "", "test-key")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", w.Code)
	}
}

func TestSearchAccounts(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.accounts["100"] = models.Account{DiscordID: "100", JellyfinUsername: "Alice"}

	w := doRequest(s, http.MethodGet, "/api/v1/admin/accounts/search?username=alice", "", "test-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Account models.Account `json:"account"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Account.DiscordID != "100" {
		t.Fatalf("unexpected account %+v", resp.Account)
	}

	w = doRequest(s, http.MethodGet, "/api/v1/admin/accounts/search?username=nobody", "", "test-key")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/api/v1/admin/accounts/search", "", "test-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without parameters, got %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/api/v1/admin/accounts/search?username=a&discord_id=1", "", "test-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with both parameters, got %d", w.Code)
	}
}

func TestLinkAndUnlink(t *testing.T) {
	s, store, _ := newTestServer(t)

	body := `{"discord_id":"200","jellyfin_username":"bob"}`
	w := doRequest(s, http.MethodPost, "/api/v1/admin/accounts", body, "test-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := store.accounts["200"]; !ok {
		t.Fatal("expected the link row to exist")
	}

	w = doRequest(s, http.MethodDelete, "/api/v1/admin/accounts/200", "", "test-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := store.accounts["200"]; ok {
		t.Fatal("expected the link row to be removed")
	}

	w = doRequest(s, http.MethodDelete, "/api/v1/admin/accounts/200", "", "test-key")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on repeat unlink, got %d", w.Code)
	}
}

func TestLinkRejectsMissingFields(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doRequest(s, http.MethodPost, "/api/v1/admin/accounts", `{"discord_id":"200"}`, "test-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLastCleanupEmptyHistory(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/v1/admin/cleanup/last", "", "test-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["last_cleanup"] != nil {
		t.Fatalf("expected null last_cleanup, got %v", resp["last_cleanup"])
	}
}
