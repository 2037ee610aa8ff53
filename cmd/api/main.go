package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PenguCCN/Jellycord/internal/api"
	"github.com/PenguCCN/Jellycord/internal/config"
	"github.com/PenguCCN/Jellycord/internal/db"
	"github.com/PenguCCN/Jellycord/internal/discord"
	"github.com/PenguCCN/Jellycord/internal/jellyfin"
	"github.com/PenguCCN/Jellycord/internal/jellyseerr"
	"github.com/PenguCCN/Jellycord/internal/logging"
	"github.com/PenguCCN/Jellycord/internal/notify"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
	"github.com/PenguCCN/Jellycord/internal/redis"
	"github.com/PenguCCN/Jellycord/internal/store"
)

// The admin API binary shares the store and engine with the bot. The redis
// lock keeps manual cleanups here from racing the bot's scheduled passes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "jellycord-api", "http_addr", cfg.HTTPAddr)

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

	var locker reconcile.Locker
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_connect_failed", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
		locker = redisClient
	}

	media, err := jellyfin.New(logger, cfg.JellyfinURL, cfg.JellyfinAPIKey)
	if err != nil {
		logger.Error("jellyfin_init_failed", "error", err)
		os.Exit(1)
	}

	var requests reconcile.RequestManager
	if cfg.JellyseerrEnabled() {
		seerr, err := jellyseerr.New(logger, cfg.JellyseerrURL, cfg.JellyseerrAPIKey)
		if err != nil {
			logger.Error("jellyseerr_init_failed", "error", err)
			os.Exit(1)
		}
		requests = seerr
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
	engine := reconcile.NewEngine(logger, accounts, media, requests, roles, notifier, locker, trialDuration)

	srv := api.NewServer(logger, accounts, engine, redisClient, cfg)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	logger.Info("api_stopped")
}
