package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken         string
	DefaultPrefix    string
	GuildIDs         []string
	RequiredRoleIDs  []string
	AdminRoleIDs     []string
	SyncLogChannelID string

	JellyfinURL    string
	JellyfinAPIKey string

	// optional integrations; enabled when both URL and key are set
	JellyseerrURL    string
	JellyseerrAPIKey string
	WizarrURL        string
	WizarrAPIKey     string

	DBDSN    string
	RedisDSN string

	HTTPAddr       string
	LogLevel       string
	AdminSecretKey string

	TrialDurationHours   int
	CleanupIntervalHours int

	// raw secrets kept in-memory only; never log these
	S3Endpoint          string
	S3Bucket            string
	S3KeysRaw           string
	BackupIntervalHours int

	VersionCheck bool
}

func Load() (Config, error) {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg := Config{
		BotToken:         os.Getenv("DISCORD_TOKEN"),
		DefaultPrefix:    getenvDefault("PREFIX", "!"),
		SyncLogChannelID: os.Getenv("SYNC_LOG_CHANNEL_ID"),
		JellyfinURL:      strings.TrimRight(os.Getenv("JELLYFIN_URL"), "/"),
		JellyfinAPIKey:   os.Getenv("JELLYFIN_API_KEY"),
		JellyseerrURL:    strings.TrimRight(os.Getenv("JELLYSEERR_URL"), "/"),
		JellyseerrAPIKey: os.Getenv("JELLYSEERR_API_KEY"),
		WizarrURL:        strings.TrimRight(os.Getenv("WIZARR_URL"), "/"),
		WizarrAPIKey:     os.Getenv("WIZARR_API_KEY"),
		DBDSN:            os.Getenv("DB_DSN"),
		RedisDSN:         getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		AdminSecretKey:   getenvDefault("ADMIN_SECRET_KEY", ""),
		S3Endpoint:       getenvDefault("S3_ENDPOINT", ""),
		S3Bucket:         getenvDefault("S3_BUCKET", ""),
		S3KeysRaw:        os.Getenv("S3_KEYS"),
		VersionCheck:     getenvDefault("VERSION_CHECK", "true") != "false",
	}

	cfg.GuildIDs = splitIDs(os.Getenv("GUILD_IDS"))
	cfg.RequiredRoleIDs = splitIDs(os.Getenv("REQUIRED_ROLE_IDS"))
	cfg.AdminRoleIDs = splitIDs(os.Getenv("ADMIN_ROLE_IDS"))

	if cfg.BotToken == "" {
		return Config{}, errors.New("missing DISCORD_TOKEN")
	}
	if len(cfg.GuildIDs) == 0 {
		return Config{}, errors.New("missing GUILD_IDS")
	}
	if len(cfg.RequiredRoleIDs) == 0 {
		return Config{}, errors.New("missing REQUIRED_ROLE_IDS")
	}
	if len(cfg.AdminRoleIDs) == 0 {
		return Config{}, errors.New("missing ADMIN_ROLE_IDS")
	}
	if cfg.JellyfinURL == "" || cfg.JellyfinAPIKey == "" {
		return Config{}, errors.New("missing JELLYFIN_URL or JELLYFIN_API_KEY")
	}
	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	// half-configured optional integrations are a config error, not a
	// silently disabled feature
	if (cfg.JellyseerrURL == "") != (cfg.JellyseerrAPIKey == "") {
		return Config{}, errors.New("JELLYSEERR_URL and JELLYSEERR_API_KEY must be set together")
	}
	if (cfg.WizarrURL == "") != (cfg.WizarrAPIKey == "") {
		return Config{}, errors.New("WIZARR_URL and WIZARR_API_KEY must be set together")
	}

	var err error
	cfg.TrialDurationHours, err = getenvInt("TRIAL_DURATION_HOURS", 24)
	if err != nil {
		return Config{}, err
	}
	cfg.CleanupIntervalHours, err = getenvInt("CLEANUP_INTERVAL_HOURS", 24)
	if err != nil {
		return Config{}, err
	}
	cfg.BackupIntervalHours, err = getenvInt("BACKUP_INTERVAL_HOURS", 24)
	if err != nil {
		return Config{}, err
	}

	// light validation: ensure secrets are valid json if set
	if cfg.S3KeysRaw != "" {
		var tmp any
		if err := json.Unmarshal([]byte(cfg.S3KeysRaw), &tmp); err != nil {
			return Config{}, errors.New("S3_KEYS must be valid json")
		}
	}

	return cfg, nil
}

// JellyseerrEnabled reports whether the request-manager integration is configured.
func (c Config) JellyseerrEnabled() bool {
	return c.JellyseerrURL != "" && c.JellyseerrAPIKey != ""
}

// WizarrEnabled reports whether the invite-manager integration is configured.
func (c Config) WizarrEnabled() bool {
	return c.WizarrURL != "" && c.WizarrAPIKey != ""
}

// BackupEnabled reports whether snapshot backups are configured.
func (c Config) BackupEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != "" && c.S3KeysRaw != ""
}

func splitIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", k)
	}
	return n, nil
}
