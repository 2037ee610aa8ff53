package version

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PenguCCN/Jellycord/internal/httpclient"
	"github.com/PenguCCN/Jellycord/internal/notify"
)

// Current is stamped at build time via -ldflags.
var Current = "dev"

const releasesURL = "https://api.github.com/repos/PenguCCN/Jellycord/releases/latest"

// Checker polls GitHub for a newer release and announces it once per tag.
type Checker struct {
	log      *slog.Logger
	http     *http.Client
	notifier notify.Notifier
	interval time.Duration
	url      string

	lastSeen string
	stop     chan struct{}
}

func NewChecker(log *slog.Logger, notifier notify.Notifier) *Checker {
	return &Checker{
		log:      log,
		http:     httpclient.New(),
		notifier: notifier,
		interval: 24 * time.Hour,
		url:      releasesURL,
		stop:     make(chan struct{}),
	}
}

// Start blocks; run in a goroutine.
func (c *Checker) Start(ctx context.Context) {
	c.runOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runOnce(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Checker) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Checker) runOnce(ctx context.Context) {
	tag, err := c.latestTag(ctx)
	if err != nil {
		c.log.Warn("version_check_failed", "error", err)
		return
	}
	if tag == "" || tag == c.lastSeen {
		return
	}
	c.lastSeen = tag

	if normalize(tag) == normalize(Current) {
		return
	}

	c.log.Info("version_update_available", "current", Current, "latest", tag)
	c.notifier.Notify(ctx, fmt.Sprintf("A new Jellycord release is available: %s (running %s)", tag, Current))
}

func (c *Checker) latestTag(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github releases: status %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("decode release: %w", err)
	}
	return release.TagName, nil
}

func normalize(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}
