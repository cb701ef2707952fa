package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
	"relaygrid/internal/infrastructure/middleware"
)

// StatsHandler serves read-only relay and coordinator snapshots.
type StatsHandler struct {
	stats     ports.StatsProvider
	jwtSecret string
}

func NewStatsHandler(stats ports.StatsProvider, jwtSecret string) *StatsHandler {
	return &StatsHandler{
		stats:     stats,
		jwtSecret: jwtSecret,
	}
}

func (h *StatsHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1", middleware.AuthMiddleware(h.jwtSecret))
	{
		api.GET("/publishers", h.ListPublishers)
		api.GET("/publishers/:id", h.GetPublisher)
		api.GET("/publishers/:id/subscribers/:sub", h.GetSubscriber)
	}
}

func (h *StatsHandler) ListPublishers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publishers": h.stats.Publishers()})
}

func (h *StatsHandler) GetPublisher(c *gin.Context) {
	id := domain.PublisherID(c.Param("id"))

	relay, coordinators, err := h.stats.Publisher(id)
	if err != nil {
		if errors.Is(err, domain.ErrPublisherNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"relay":       relay,
		"subscribers": coordinators,
	})
}

func (h *StatsHandler) GetSubscriber(c *gin.Context) {
	pub := domain.PublisherID(c.Param("id"))
	sub := domain.SubscriberID(c.Param("sub"))

	stats, err := h.stats.Subscriber(pub, sub)
	if err != nil {
		if errors.Is(err, domain.ErrPublisherNotFound) || errors.Is(err, domain.ErrSubscriberNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}
