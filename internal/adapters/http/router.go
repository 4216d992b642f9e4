package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/adapters/signal"
	"github.com/dkeye/Turtle/internal/app"
	"github.com/dkeye/Turtle/internal/config"
	"github.com/dkeye/Turtle/internal/domain"
)

// SetupRouter builds the broker: the signaling websocket plus a small
// lookup API.
func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctrl := signal.NewSignalWSController(reg, signal.Options{
		ReadLimit:     cfg.Broker.ReadLimit,
		PingPeriod:    cfg.Broker.PingPeriod,
		ClaimLimit:    cfg.Broker.ClaimLimit,
		ClaimInterval: cfg.Broker.ClaimInterval,
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": reg.Count()})
	})

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})
	api.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": reg.Online()})
	})
	api.GET("/peers/:id", func(c *gin.Context) {
		addr := domain.Address(c.Param("id"))
		if _, _, ok := reg.Lookup(addr); !ok {
			c.JSON(http.StatusNotFound, gin.H{"address": addr, "online": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": addr, "online": true})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
