package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PenguCCN/Jellycord/internal/config"
	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
	"github.com/PenguCCN/Jellycord/internal/redis"
)

// Store is the read/write surface the admin API exposes over HTTP.
type Store interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	FindByDiscordID(ctx context.Context, discordID string) (*models.Account, error)
	FindByUsername(ctx context.Context, username string) (*models.Account, error)
	PutAccount(ctx context.Context, a models.Account) error
	RemoveAccount(ctx context.Context, discordID string) error
	LastCleanup(ctx context.Context) (time.Time, error)
	RecentCleanupRuns(ctx context.Context, limit int) ([]models.CleanupRun, error)
}

// Runner triggers a reconciliation pass on demand.
type Runner interface {
	RunPass(ctx context.Context) (*reconcile.Summary, error)
}

type Server struct {
	log    *slog.Logger
	store  Store
	engine Runner
	redis  *redis.Client // nil disables rate limiting
	cfg    config.Config
	router *gin.Engine
}

func NewServer(log *slog.Logger, store Store, engine Runner, redisClient *redis.Client, cfg config.Config) *Server {
	s := &Server{
		log:    log,
		store:  store,
		engine: engine,
		redis:  redisClient,
		cfg:    cfg,
		router: gin.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.health)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/cleanup", s.triggerCleanup)
			admin.GET("/cleanup/last", s.lastCleanup)
			admin.GET("/accounts", s.listAccounts)
			admin.GET("/accounts/search", s.searchAccounts)
			admin.POST("/accounts", s.linkAccount)
			admin.DELETE("/accounts/:discord_id", s.unlinkAccount)
		}
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
