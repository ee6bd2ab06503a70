// Package httpd sets up the HTTP surface: the static viewer page, the
// signaling WebSocket endpoint and a small status API.
package httpd

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/app"
	"github.com/rpicam/camserver/internal/config"
	"github.com/rpicam/camserver/internal/signal"
)

// ClientTokenMiddleware tags each browser with a stable cookie so log lines
// from reconnects of the same viewer can be correlated.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	r.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Status())
	})

	log.Info().Str("module", "httpd").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
