package jellyfin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PenguCCN/Jellycord/internal/httpclient"
)

// Client talks to the Jellyfin admin API. All expected remote failures
// (unreachable host, missing user, non-2xx) are normalized to boolean or
// absent results; only missing configuration is an error, at construction.
type Client struct {
	baseURL string
	apiKey  string
	log     *slog.Logger
	http    *http.Client
	breaker *httpclient.CircuitBreaker
	retry   httpclient.RetryConfig
}

type user struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

func New(log *slog.Logger, baseURL, apiKey string) (*Client, error) {
	if baseURL == "" || apiKey == "" {
		return nil, errors.New("jellyfin url and api key are required")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		log:     log,
		http:    httpclient.New(),
		breaker: httpclient.NewCircuitBreaker(),
		retry:   httpclient.DefaultRetryConfig(),
	}, nil
}

// ServerURL returns the configured base URL, for user-facing login hints.
func (c *Client) ServerURL() string {
	return c.baseURL
}

// Ping checks reachability at startup. Failure is reported, not fatal.
func (c *Client) Ping(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodGet, "/System/Info", nil)
	return err == nil && status == http.StatusOK
}

// CreateUser provisions a Jellyfin account. The caller owns retry policy;
// a duplicate username surfaces as failure here.
func (c *Client) CreateUser(ctx context.Context, username, password string) bool {
	payload := map[string]string{"Name": username, "Password": password}
	status, _, err := c.do(ctx, http.MethodPost, "/Users/New", payload)
	if err != nil {
		c.log.Warn("jellyfin_create_failed", "username", username, "error", err)
		return false
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		c.log.Warn("jellyfin_create_rejected", "username", username, "status", status)
		return false
	}
	return true
}

// FindUserID resolves a username to the Jellyfin user id with a
// case-insensitive scan of the directory listing. Directories are small;
// the linear scan matches how the server itself is queried.
func (c *Client) FindUserID(ctx context.Context, username string) (string, bool) {
	id, found, err := c.findUser(ctx, username)
	if err != nil {
		return "", false
	}
	return id, found
}

// findUser distinguishes "confirmed absent" from "could not list the
// directory". Delete must not treat a failed listing as absence.
func (c *Client) findUser(ctx context.Context, username string) (string, bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/Users", nil)
	if err != nil {
		c.log.Warn("jellyfin_list_users_failed", "error", err)
		return "", false, err
	}
	if status != http.StatusOK {
		c.log.Warn("jellyfin_list_users_failed", "status", status)
		return "", false, fmt.Errorf("jellyfin responded %d", status)
	}
	var users []user
	if err := json.Unmarshal(body, &users); err != nil {
		c.log.Warn("jellyfin_list_users_bad_json", "error", err)
		return "", false, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, username) {
			return u.ID, true, nil
		}
	}
	return "", false, nil
}

// DeleteUser removes the account. A user that is confirmed absent counts as
// success so reconciliation can safely re-run after a partial failure; a
// failed directory lookup is a failure, never silent absence.
func (c *Client) DeleteUser(ctx context.Context, username string) bool {
	id, found, err := c.findUser(ctx, username)
	if err != nil {
		return false
	}
	if !found {
		return true
	}
	status, _, err := c.do(ctx, http.MethodDelete, "/Users/"+url.PathEscape(id), nil)
	if err != nil {
		c.log.Warn("jellyfin_delete_failed", "username", username, "error", err)
		return false
	}
	if status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	c.log.Warn("jellyfin_delete_rejected", "username", username, "status", status)
	return false
}

// ResetPassword sets a new password. Fails when the user is absent.
func (c *Client) ResetPassword(ctx context.Context, username, newPassword string) bool {
	id, found := c.FindUserID(ctx, username)
	if !found {
		return false
	}
	payload := map[string]string{"Password": newPassword}
	status, _, err := c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(id)+"/Password", payload)
	if err != nil {
		c.log.Warn("jellyfin_reset_password_failed", "username", username, "error", err)
		return false
	}
	return status == http.StatusOK || status == http.StatusNoContent
}

// ApplyDefaultPolicy restricts a freshly created account: no admin rights,
// no remote control of other sessions.
func (c *Client) ApplyDefaultPolicy(ctx context.Context, userID string) bool {
	policy := map[string]any{
		"IsAdministrator":                 false,
		"IsDisabled":                      false,
		"EnableAllFolders":                true,
		"EnableRemoteControlOfOtherUsers": false,
		"EnableContentDeletion":           false,
	}
	status, _, err := c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(userID)+"/Policy", policy)
	if err != nil {
		c.log.Warn("jellyfin_set_policy_failed", "user_id", userID, "error", err)
		return false
	}
	return status == http.StatusOK || status == http.StatusNoContent
}

// RefreshLibraries kicks off a scan of every library.
func (c *Client) RefreshLibraries(ctx context.Context) bool {
	status, _, err := c.do(ctx, http.MethodPost, "/Library/Refresh", nil)
	if err != nil {
		c.log.Warn("jellyfin_refresh_failed", "error", err)
		return false
	}
	return status == http.StatusOK || status == http.StatusNoContent
}

// do performs one authenticated request with bounded retries. 429 and 5xx
// are retried with backoff; anything else is returned to the caller for
// normalization.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if !c.breaker.Allow() {
		return 0, nil, fmt.Errorf("jellyfin circuit breaker %s", c.breaker.StateString())
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return 0, nil, err
			}
			reqBody = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("X-Emby-Token", c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.RecordFailure()
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			sleep(ctx, httpclient.CalculateBackoff(c.retry, attempt, 0))
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("jellyfin responded %d", resp.StatusCode)
			c.breaker.RecordFailure()
			sleep(ctx, httpclient.CalculateBackoff(c.retry, attempt, retryAfter(resp)))
			continue
		}

		c.breaker.RecordSuccess()
		return resp.StatusCode, body, nil
	}

	return 0, nil, lastErr
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
