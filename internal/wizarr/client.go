package wizarr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is the invite-manager adapter. Wizarr's API has returned the
// invite list both as a bare array and as an object keyed "invites"
// depending on version; that mess is normalized here so callers only ever
// see a slice.
type Client struct {
	baseURL string
	apiKey  string
	log     *slog.Logger
	http    *http.Client
}

type Invite struct {
	Code      string `json:"code"`
	Expires   string `json:"expires,omitempty"`
	UsedCount int    `json:"used_count,omitempty"`
}

func New(log *slog.Logger, baseURL, apiKey string) (*Client, error) {
	if baseURL == "" || apiKey == "" {
		return nil, errors.New("wizarr url and api key are required")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		log:     log,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// CreateInvite mints a single-use invite valid for the given duration and
// returns its code.
func (c *Client) CreateInvite(ctx context.Context, validFor time.Duration) (string, bool) {
	payload := map[string]any{
		"expires": time.Now().UTC().Add(validFor).Format(time.RFC3339),
		"uses":    1,
	}
	status, body, err := c.do(ctx, http.MethodPost, "/api/invites", payload)
	if err != nil || status < 200 || status >= 300 {
		c.log.Warn("wizarr_create_invite_failed", "status", status, "error", err)
		return "", false
	}
	var inv Invite
	if err := json.Unmarshal(body, &inv); err != nil || inv.Code == "" {
		c.log.Warn("wizarr_create_invite_bad_json", "error", err)
		return "", false
	}
	return inv.Code, true
}

// ListInvites returns current invites, normalized to a slice.
func (c *Client) ListInvites(ctx context.Context) ([]Invite, bool) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/invites", nil)
	if err != nil || status != http.StatusOK {
		c.log.Warn("wizarr_list_invites_failed", "status", status, "error", err)
		return nil, false
	}
	return normalizeInviteList(body), true
}

// DeleteInvite revokes an invite code. Already-gone counts as success.
func (c *Client) DeleteInvite(ctx context.Context, code string) bool {
	status, _, err := c.do(ctx, http.MethodDelete, "/api/invites/"+code, nil)
	if err != nil {
		c.log.Warn("wizarr_delete_invite_failed", "code", code, "error", err)
		return false
	}
	return status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound
}

func normalizeInviteList(body []byte) []Invite {
	var invites []Invite
	if err := json.Unmarshal(body, &invites); err == nil {
		return invites
	}
	var wrapped struct {
		Invites []Invite `json:"invites"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Invites
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("wizarr request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}
