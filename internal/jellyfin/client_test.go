package jellyfin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeJellyfin is a minimal in-memory Jellyfin user directory.
type fakeJellyfin struct {
	users   map[string]string // id -> name
	deletes int
}

func (f *fakeJellyfin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /Users", func(w http.ResponseWriter, r *http.Request) {
		type u struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		}
		out := make([]u, 0, len(f.users))
		for id, name := range f.users {
			out = append(out, u{ID: id, Name: name})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /Users/New", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Name, Password string }
		json.NewDecoder(r.Body).Decode(&body)
		for _, name := range f.users {
			if name == body.Name {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		f.users["id-"+body.Name] = body.Name
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /Users/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := f.users[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.users, id)
		f.deletes++
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeJellyfin) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := New(testLogger(), srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(testLogger(), "", "key"); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := New(testLogger(), "http://jf.local", ""); err == nil {
		t.Error("expected error for missing api key")
	}
}

func TestFindUserID_CaseInsensitive(t *testing.T) {
	f := &fakeJellyfin{users: map[string]string{"u1": "Alice"}}
	c := newTestClient(t, f)

	id, found := c.FindUserID(context.Background(), "aLiCe")
	if !found || id != "u1" {
		t.Errorf("expected (u1, true), got (%s, %v)", id, found)
	}

	if _, found := c.FindUserID(context.Background(), "bob"); found {
		t.Error("expected bob to be absent")
	}
}

func TestDeleteUser_Idempotent(t *testing.T) {
	f := &fakeJellyfin{users: map[string]string{"u1": "alice"}}
	c := newTestClient(t, f)

	if !c.DeleteUser(context.Background(), "alice") {
		t.Fatal("first delete should succeed")
	}
	// second delete: user is already absent, still success
	if !c.DeleteUser(context.Background(), "alice") {
		t.Fatal("delete of absent user should report success")
	}
	if f.deletes != 1 {
		t.Errorf("expected exactly 1 remote delete, got %d", f.deletes)
	}
}

func TestCreateUser_DuplicateFails(t *testing.T) {
	f := &fakeJellyfin{users: map[string]string{}}
	c := newTestClient(t, f)

	if !c.CreateUser(context.Background(), "carol", "pw") {
		t.Fatal("create should succeed")
	}
	if c.CreateUser(context.Background(), "carol", "pw") {
		t.Error("duplicate create should fail")
	}
}

func TestDeleteUser_UnreachableHostIsFailure(t *testing.T) {
	f := &fakeJellyfin{users: map[string]string{"u1": "alice"}}
	c := newTestClient(t, f)
	c.retry.MaxRetries = 0
	c.retry.InitialBackoff = 0

	// point the client at a dead endpoint after construction
	c.baseURL = "http://127.0.0.1:1"

	// the directory cannot be listed, so absence is unconfirmed and the
	// delete must report failure, keeping the store row for the next pass
	if c.DeleteUser(context.Background(), "alice") {
		t.Error("delete with unreachable host should fail")
	}
	if f.deletes != 0 {
		t.Errorf("no remote delete should have happened, got %d", f.deletes)
	}
}
