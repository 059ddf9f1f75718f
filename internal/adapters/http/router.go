package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mentorhub/meet/internal/adapters/signal"
	"github.com/mentorhub/meet/internal/auth"
	"github.com/mentorhub/meet/internal/config"
	"github.com/mentorhub/meet/internal/core"
	"github.com/mentorhub/meet/internal/domain"
	"github.com/rs/zerolog/log"
)

const clientTokenCookie = "ct"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if _, err := uuid.Parse(token); err != nil {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Signal   *signal.SignalWSController
	Issuer   *auth.Issuer
	Channels core.ChannelManager
}

type tokenRequest struct {
	Name string `json:"name"`
}

type tokenResponse struct {
	AppID     string    `json:"app_id"`
	Channel   string    `json:"channel"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})

	api.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": deps.Channels.List()})
	})

	api.POST("/channels/:name/token", func(c *gin.Context) {
		name, err := domain.ParseChannelName(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_channel"})
			return
		}
		var req tokenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
				return
			}
		}
		if len(req.Name) > domain.MaxUsernameLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_name"})
			return
		}
		// The last display name is kept in the cookie session for the next token.
		s := sessions.Default(c)
		if req.Name == "" {
			if prev, ok := s.Get("name").(string); ok {
				req.Name = prev
			}
		} else {
			s.Set("name", req.Name)
			_ = s.Save()
		}

		token, exp, err := deps.Issuer.Mint(name, req.Name)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("mint token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Str("channel", string(name)).Msg("issued token")
		c.JSON(http.StatusOK, tokenResponse{
			AppID:     deps.Issuer.AppID(),
			Channel:   string(name),
			Token:     token,
			ExpiresAt: exp,
		})
	})

	return r
}
