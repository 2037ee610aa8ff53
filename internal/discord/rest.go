package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/PenguCCN/Jellycord/internal/httpclient"
)

const apiBase = "https://discord.com/api/v10"

// REST is a bot-token Discord REST client. It honors 429 Retry-After and
// retries transient failures with backoff.
type REST struct {
	token string
	log   *slog.Logger
	http  *http.Client
	retry httpclient.RetryConfig
	base  string
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type Member struct {
	User  *User    `json:"user,omitempty"`
	Nick  string   `json:"nick,omitempty"`
	Roles []string `json:"roles"`
}

type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Content   string `json:"content"`
	Author    User   `json:"author"`
	Mentions  []User `json:"mentions"`
}

type channel struct {
	ID string `json:"id"`
}

func NewREST(log *slog.Logger, botToken string) *REST {
	return &REST{
		token: botToken,
		log:   log,
		http:  httpclient.New(),
		retry: httpclient.DefaultRetryConfig(),
		base:  apiBase,
	}
}

// GetGuildMember fetches a member. A 404 means the user is not in the
// guild and returns (nil, nil) so callers can fail closed without treating
// absence as an outage.
func (r *REST) GetGuildMember(ctx context.Context, guildID, userID string) (*Member, error) {
	status, body, err := r.do(ctx, http.MethodGet, "/guilds/"+guildID+"/members/"+userID, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("discord responded %d", status)
	}
	var m Member
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetUser fetches any user visible to the bot.
func (r *REST) GetUser(ctx context.Context, userID string) (*User, error) {
	status, body, err := r.do(ctx, http.MethodGet, "/users/"+userID, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("discord responded %d", status)
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateDM opens (or reuses) the DM channel with a user.
func (r *REST) CreateDM(ctx context.Context, userID string) (string, error) {
	payload := map[string]string{"recipient_id": userID}
	status, body, err := r.do(ctx, http.MethodPost, "/users/@me/channels", payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("discord responded %d", status)
	}
	var ch channel
	if err := json.Unmarshal(body, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// SendMessage posts plain content to a channel.
func (r *REST) SendMessage(ctx context.Context, channelID, content string) error {
	payload := map[string]string{"content": content}
	status, _, err := r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("discord responded %d", status)
	}
	return nil
}

// DeleteMessage removes a message, used to scrub credentials posted in a
// public channel. Already-gone is fine.
func (r *REST) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	status, _, err := r.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("discord responded %d", status)
	}
	return nil
}

func (r *REST) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return 0, nil, err
			}
			reqBody = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, r.base+path, reqBody)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bot "+r.token)
		req.Header.Set("User-Agent", "Jellycord (https://github.com/PenguCCN/Jellycord)")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			wait(ctx, httpclient.CalculateBackoff(r.retry, attempt, 0))
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retryAfter := parseRetryAfter(resp)
			r.log.Warn("discord_rate_limited_or_5xx",
				"status", resp.StatusCode,
				"path", path,
				"retry_after", retryAfter.String(),
			)
			lastErr = fmt.Errorf("discord responded %d", resp.StatusCode)
			wait(ctx, httpclient.CalculateBackoff(r.retry, attempt, retryAfter))
			continue
		}

		return resp.StatusCode, body, nil
	}
	return 0, nil, lastErr
}

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
