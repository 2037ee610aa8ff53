package version

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type captureNotifier struct {
	messages []string
}

func (c *captureNotifier) Notify(_ context.Context, message string) {
	c.messages = append(c.messages, message)
}

func newTestChecker(t *testing.T, tag string, status int) (*Checker, *captureNotifier) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"tag_name":"` + tag + `"}`))
	}))
	t.Cleanup(server.Close)

	notifier := &captureNotifier{}
	c := NewChecker(slog.New(slog.NewTextHandler(nullWriter{}, nil)), notifier)
	c.url = server.URL
	return c, notifier
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAnnouncesNewerRelease(t *testing.T) {
	c, notifier := newTestChecker(t, "v9.9.9", http.StatusOK)
	c.runOnce(context.Background())

	if len(notifier.messages) != 1 {
		t.Fatalf("expected one announcement, got %d", len(notifier.messages))
	}
	if !strings.Contains(notifier.messages[0], "v9.9.9") {
		t.Fatalf("announcement should name the tag: %q", notifier.messages[0])
	}
}

func TestAnnouncesEachTagOnce(t *testing.T) {
	c, notifier := newTestChecker(t, "v9.9.9", http.StatusOK)
	c.runOnce(context.Background())
	c.runOnce(context.Background())

	if len(notifier.messages) != 1 {
		t.Fatalf("a tag must only be announced once, got %d messages", len(notifier.messages))
	}
}

func TestStaysQuietOnCurrentVersion(t *testing.T) {
	old := Current
	Current = "v1.2.3"
	defer func() { Current = old }()

	c, notifier := newTestChecker(t, "1.2.3", http.StatusOK)
	c.runOnce(context.Background())

	if len(notifier.messages) != 0 {
		t.Fatalf("matching versions must not announce, got %v", notifier.messages)
	}
}

func TestStaysQuietOnLookupFailure(t *testing.T) {
	c, notifier := newTestChecker(t, "", http.StatusBadGateway)
	c.interval = time.Hour

	c.runOnce(context.Background())
	if len(notifier.messages) != 0 {
		t.Fatal("a failed lookup must not announce anything")
	}
}
