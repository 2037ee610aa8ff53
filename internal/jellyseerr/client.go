package jellyseerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is the request-manager adapter, a reduced variant of the Jellyfin
// one: import an existing Jellyfin user, look it up, delete it. Deletes are
// idempotent; cleanup of this satellite system is best-effort and never
// gates account removal.
type Client struct {
	baseURL string
	apiKey  string
	log     *slog.Logger
	http    *http.Client
}

type seerrUser struct {
	ID         int64  `json:"id"`
	JellyfinID string `json:"jellyfinUserId"`
	Username   string `json:"jellyfinUsername"`
}

func New(log *slog.Logger, baseURL, apiKey string) (*Client, error) {
	if baseURL == "" || apiKey == "" {
		return nil, errors.New("jellyseerr url and api key are required")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		log:     log,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// ImportUser pulls a Jellyfin user into Jellyseerr and returns its
// Jellyseerr id.
func (c *Client) ImportUser(ctx context.Context, jellyfinUserID string) (string, bool) {
	payload := map[string][]string{"jellyfinUserIds": {jellyfinUserID}}
	status, body, err := c.do(ctx, http.MethodPost, "/api/v1/user/import-from-jellyfin", payload)
	if err != nil || status < 200 || status >= 300 {
		c.log.Warn("jellyseerr_import_failed", "jellyfin_id", jellyfinUserID, "status", status, "error", err)
		return "", false
	}
	var created []seerrUser
	if err := json.Unmarshal(body, &created); err == nil && len(created) > 0 {
		return strconv.FormatInt(created[0].ID, 10), true
	}
	// some versions return nothing useful on import; fall back to a lookup
	if id, found := c.FindUserID(ctx, jellyfinUserID); found {
		return id, true
	}
	return "", false
}

// FindUserID resolves a Jellyfin user id to the Jellyseerr user id.
// The user list arrives either as a bare array or wrapped in
// {pageInfo, results}; both shapes are normalized here and nowhere else.
func (c *Client) FindUserID(ctx context.Context, jellyfinUserID string) (string, bool) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/user?take=500", nil)
	if err != nil || status != http.StatusOK {
		c.log.Warn("jellyseerr_list_users_failed", "status", status, "error", err)
		return "", false
	}
	for _, u := range normalizeUserList(body) {
		if u.JellyfinID == jellyfinUserID {
			return strconv.FormatInt(u.ID, 10), true
		}
	}
	return "", false
}

// DeleteUser removes a Jellyseerr user by id. 404 means already gone and
// counts as success.
func (c *Client) DeleteUser(ctx context.Context, seerrID string) bool {
	status, _, err := c.do(ctx, http.MethodDelete, "/api/v1/user/"+seerrID, nil)
	if err != nil {
		c.log.Warn("jellyseerr_delete_failed", "seerr_id", seerrID, "error", err)
		return false
	}
	if status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	c.log.Warn("jellyseerr_delete_rejected", "seerr_id", seerrID, "status", status)
	return false
}

func normalizeUserList(body []byte) []seerrUser {
	var users []seerrUser
	if err := json.Unmarshal(body, &users); err == nil {
		return users
	}
	var wrapped struct {
		Results []seerrUser `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Results
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
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
	req.Header.Set("X-Api-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("jellyseerr request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}
