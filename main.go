package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/PenguCCN/Jellycord/internal/bot"
	"github.com/PenguCCN/Jellycord/internal/config"
	"github.com/PenguCCN/Jellycord/internal/db"
	"github.com/PenguCCN/Jellycord/internal/discord"
	"github.com/PenguCCN/Jellycord/internal/jellyfin"
	"github.com/PenguCCN/Jellycord/internal/jellyseerr"
	"github.com/PenguCCN/Jellycord/internal/logging"
	"github.com/PenguCCN/Jellycord/internal/notify"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
	"github.com/PenguCCN/Jellycord/internal/redis"
	"github.com/PenguCCN/Jellycord/internal/security"
	"github.com/PenguCCN/Jellycord/internal/storage"
	"github.com/PenguCCN/Jellycord/internal/store"
	"github.com/PenguCCN/Jellycord/internal/version"
	"github.com/PenguCCN/Jellycord/internal/wizarr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "jellycord", "version", version.Current)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.InitSchema(ctx); err != nil {
		logger.Error("schema_init_failed", "error", err)
		os.Exit(1)
	}

	accounts := store.New(dbConn)

	// redis only backs the cross-process pass lock; the bot runs without it
	var locker reconcile.Locker
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_connect_failed", "error", err)
	} else {
		defer redisClient.Close()
		locker = redisClient
	}

	media, err := jellyfin.New(logger, cfg.JellyfinURL, cfg.JellyfinAPIKey)
	if err != nil {
		logger.Error("jellyfin_init_failed", "error", err)
		os.Exit(1)
	}
	if !media.Ping(ctx) {
		logger.Warn("jellyfin_unreachable", "url", cfg.JellyfinURL)
	}

	var requests *jellyseerr.Client
	if cfg.JellyseerrEnabled() {
		requests, err = jellyseerr.New(logger, cfg.JellyseerrURL, cfg.JellyseerrAPIKey)
		if err != nil {
			logger.Error("jellyseerr_init_failed", "error", err)
			os.Exit(1)
		}
		logger.Info("jellyseerr_enabled")
	}

	var invites *wizarr.Client
	if cfg.WizarrEnabled() {
		invites, err = wizarr.New(logger, cfg.WizarrURL, cfg.WizarrAPIKey)
		if err != nil {
			logger.Error("wizarr_init_failed", "error", err)
			os.Exit(1)
		}
		logger.Info("wizarr_enabled")
	}

	rest := discord.NewREST(logger, cfg.BotToken)
	roles := discord.NewRoleAuthority(logger, rest, cfg.GuildIDs, cfg.RequiredRoleIDs, cfg.AdminRoleIDs)

	var notifier notify.Notifier
	if cfg.SyncLogChannelID != "" {
		notifier = notify.NewChannelNotifier(logger, rest, cfg.SyncLogChannelID)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	trialDuration := time.Duration(cfg.TrialDurationHours) * time.Hour
	cleanupPeriod := time.Duration(cfg.CleanupIntervalHours) * time.Hour

	// engine interfaces accept nil for disabled integrations, but a nil
	// *jellyseerr.Client must not become a non-nil interface
	var engineRequests reconcile.RequestManager
	if requests != nil {
		engineRequests = requests
	}
	engine := reconcile.NewEngine(logger, accounts, media, engineRequests, roles, notifier, locker, trialDuration)

	prefix := bot.NewPrefix(cfg.DefaultPrefix)
	if saved, err := accounts.GetMetadata(ctx, store.MetaCommandPrefix); err != nil {
		logger.Warn("prefix_load_failed", "error", err)
	} else if saved != "" {
		prefix.Set(saved)
	}

	var botRequests bot.RequestManager
	if requests != nil {
		botRequests = requests
	}
	var botInvites bot.InviteManager
	if invites != nil {
		botInvites = invites
	}

	var gateway *discord.Gateway
	commands := bot.New(bot.Options{
		Log:           logger,
		Rest:          rest,
		Roles:         roles,
		Store:         accounts,
		Media:         media,
		Requests:      botRequests,
		Invites:       botInvites,
		Engine:        engine,
		Limiter:       security.NewLimiterStore(rate.Every(12*time.Second), 5, time.Hour),
		Prefix:        prefix,
		TrialDuration: trialDuration,
		CleanupPeriod: cleanupPeriod,
		SelfID:        func() string { return gateway.BotUserID() },
	})

	gateway = discord.NewGateway(logger, cfg.BotToken, "Jellyfin", commands.HandleMessage)
	go gateway.Run(ctx)

	scheduler := reconcile.NewScheduler(logger, engine, accounts, cleanupPeriod)
	go scheduler.Start(ctx)

	var backup *storage.BackupJob
	if cfg.BackupEnabled() {
		writer, err := newS3Writer(cfg)
		if err != nil {
			logger.Warn("backup_disabled", "error", err)
		} else {
			backup = storage.NewBackupJob(logger, accounts, writer,
				time.Duration(cfg.BackupIntervalHours)*time.Hour)
			go backup.Start(ctx)
			logger.Info("backup_enabled", "bucket", cfg.S3Bucket)
		}
	}

	var checker *version.Checker
	if cfg.VersionCheck {
		checker = version.NewChecker(logger, notifier)
		go checker.Start(ctx)
	}

	logger.Info("bot_ready",
		"guilds", len(cfg.GuildIDs),
		"cleanup_period", cleanupPeriod.String(),
		"token", logging.MaskToken(cfg.BotToken),
	)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	gateway.Close()
	scheduler.Stop()
	if backup != nil {
		backup.Stop()
	}
	if checker != nil {
		checker.Stop()
	}
	cancel()

	logger.Info("bot_stopped")
}

type s3Keys struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

func newS3Writer(cfg config.Config) (*storage.S3Client, error) {
	var keys s3Keys
	if err := json.Unmarshal([]byte(cfg.S3KeysRaw), &keys); err != nil {
		return nil, err
	}
	return storage.NewS3Client(storage.S3Config{
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     keys.AccessKeyID,
		SecretAccessKey: keys.SecretAccessKey,
		Bucket:          cfg.S3Bucket,
	})
}
