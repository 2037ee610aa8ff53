package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// triggerCleanup starts a reconciliation pass. 409 when one is already
// running, in this process or in the bot binary holding the redis lock.
func (s *Server) triggerCleanup(c *gin.Context) {
	summary, err := s.engine.RunPass(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrPassInFlight) {
			c.JSON(http.StatusConflict, gin.H{
				"error": gin.H{
					"code":    "pass_in_flight",
					"message": "a reconciliation pass is already running",
				},
			})
			return
		}
		s.log.Error("manual_cleanup_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "cleanup_failed",
				"message": err.Error(),
			},
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"summary": summary})
}

func (s *Server) lastCleanup(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	last, err := s.store.LastCleanup(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}
	runs, err := s.store.RecentCleanupRuns(ctx, 10)
	if err != nil {
		s.internalError(c, err)
		return
	}

	resp := gin.H{"recent_runs": runs}
	if last.IsZero() {
		resp["last_cleanup"] = nil
	} else {
		resp["last_cleanup"] = last.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listAccounts(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	accounts, err := s.store.GetAccounts(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

func (s *Server) searchAccounts(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	username := strings.TrimSpace(c.Query("username"))
	discordID := strings.TrimSpace(c.Query("discord_id"))
	if (username == "") == (discordID == "") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "invalid_parameter",
				"message": "provide exactly one of username or discord_id",
			},
		})
		return
	}

	cacheKey := "search:username:" + strings.ToLower(username)
	if discordID != "" {
		cacheKey = "search:discord:" + discordID
	}
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey); err == nil && cached != "" {
			var acc models.Account
			if json.Unmarshal([]byte(cached), &acc) == nil {
				c.JSON(http.StatusOK, gin.H{"account": acc, "cached": true})
				return
			}
		}
	}

	var (
		acc *models.Account
		err error
	)
	if username != "" {
		acc, err = s.store.FindByUsername(ctx, username)
	} else {
		acc, err = s.store.FindByDiscordID(ctx, discordID)
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "not_found",
				"message": "no matching account",
			},
		})
		return
	}

	if s.redis != nil {
		if raw, err := json.Marshal(acc); err == nil {
			if err := s.redis.Set(ctx, cacheKey, string(raw), 30*time.Second); err != nil {
				s.log.Warn("search_cache_write_failed", "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

type linkRequest struct {
	DiscordID        string `json:"discord_id" binding:"required"`
	JellyfinUsername string `json:"jellyfin_username" binding:"required"`
	JellyfinID       string `json:"jellyfin_id"`
}

func (s *Server) linkAccount(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "invalid_body",
				"message": err.Error(),
			},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	account := models.Account{
		DiscordID:        req.DiscordID,
		JellyfinUsername: req.JellyfinUsername,
		JellyfinID:       req.JellyfinID,
	}
	if err := s.store.PutAccount(ctx, account); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// unlinkAccount removes the link row only; the Jellyfin account survives.
func (s *Server) unlinkAccount(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	discordID := c.Param("discord_id")
	acc, err := s.store.FindByDiscordID(ctx, discordID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "not_found",
				"message": "no account linked to that discord id",
			},
		})
		return
	}

	if err := s.store.RemoveAccount(ctx, discordID); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlinked": acc})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error("request_failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "internal_error",
			"message": "internal error",
		},
	})
}
