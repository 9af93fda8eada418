package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/orbit-so/go-orbit/collision"
	"github.com/orbit-so/go-orbit/middleware"
	"github.com/orbit-so/go-orbit/util"
)

func handlersInit(router *gin.Engine, core *Core) *gin.Engine {
	router.GET("/alive", util.HealthCheckHandler())

	router.POST("/ingest", middleware.RateLimited(core.IngestRate), ingestHandler(core))

	stats := router.Group("/stats")
	stats.GET("/queue", queueStatsHandler(core.Queue, core.Events, int64(viper.GetInt("MISSION_QUEUE_HIGHWATER"))))
	stats.GET("/pairs", pairStatsHandler(core))

	if viper.GetString("ENV") != "production" {
		router.GET("/debug/events", core.Hub.ServeWS())
	}

	return router
}

func ingestHandler(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var update collision.PositionUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		result, err := core.Detector.Ingest(c.Request.Context(), update)
		if err != nil {
			var badCoords collision.ErrInvalidCoordinates
			var drift collision.ErrClockDrift
			if errors.As(err, &badCoords) || errors.As(err, &drift) {
				util.ErrResponse(c, http.StatusBadRequest, err)
				return
			}
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

type pendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

type droppedCounter interface {
	Dropped() int64
}

func queueStatsHandler(queue pendingCounter, events droppedCounter, highwater int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		pending, err := queue.Pending(c.Request.Context())
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pending_missions": pending,
			"dropped_events":   events.Dropped(),
			"backpressured":    highwater > 0 && pending > highwater,
		})
	}
}

func pairStatsHandler(core *Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		depth, err := core.State.StabilityDepth(c.Request.Context())
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stability_depth": depth})
	}
}
