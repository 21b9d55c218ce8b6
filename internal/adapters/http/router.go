package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meetmesh/meetmesh/internal/adapters"
	"github.com/meetmesh/meetmesh/internal/app"
	"github.com/meetmesh/meetmesh/internal/config"
	"github.com/meetmesh/meetmesh/internal/domain"
)

// SetupRouter builds the instance's HTTP surface: client signaling,
// assignment intake from the global controller, health and metrics.
func SetupRouter(ctx context.Context, cfg *config.Config, ctl *adapters.SignalController, registry *app.Registry, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if registry.Draining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	// The global controller pushes meeting assignments here.
	internal := r.Group("/internal")
	internal.POST("/assignments", func(c *gin.Context) {
		var a domain.Assignment
		if err := c.ShouldBindJSON(&a); err != nil || a.MeetingID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid assignment"})
			return
		}
		if err := registry.Assign(a); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.ClientCode(err)})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"meeting_id": a.MeetingID})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
