package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
	"relaygrid/internal/core/services"
	"relaygrid/internal/infrastructure/middleware"
	"relaygrid/internal/infrastructure/signal"
	webrtcinfra "relaygrid/internal/infrastructure/webrtc"
)

// SessionConfig carries the per-session tuning the handler hands to the
// relays, coordinators and sinks it creates.
type SessionConfig struct {
	Relay              services.RelayConfig
	Coordinator        services.CoordinatorConfig
	NegotiationTimeout time.Duration
	SinkQueueSize      int
	SinkWriteTimeout   time.Duration
	ICEServers         []string
	JWTSecret          string
}

// SessionHandler is the attach surface: publishers connect over WebRTC
// offer/answer, subscribers over a media websocket. Each publish creates a
// relay, each subscribe a coordinator; the registry owns both lifecycles.
type SessionHandler struct {
	bus      ports.MessageBus
	registry *services.Registry
	metrics  ports.Metrics
	clk      clock.Clock
	cfg      SessionConfig
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[domain.PublisherID]*webrtcinfra.PublisherSession
}

func NewSessionHandler(
	bus ports.MessageBus,
	registry *services.Registry,
	metrics ports.Metrics,
	clk clock.Clock,
	cfg SessionConfig,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		bus:      bus,
		registry: registry,
		metrics:  metrics,
		clk:      clk,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[domain.PublisherID]*webrtcinfra.PublisherSession),
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1", middleware.AuthMiddleware(h.cfg.JWTSecret))
	{
		api.POST("/publishers/:id/publish", h.Publish)
		api.DELETE("/publishers/:id", h.Unpublish)
		api.GET("/publishers/:id/subscribe", h.Subscribe)
	}
}

type publishRequest struct {
	Offer pionwebrtc.SessionDescription `json:"offer"`
}

// Publish negotiates an upstream WebRTC session and starts a relay for it.
// The response carries the SDP answer with ICE candidates already gathered,
// so no trickle channel is needed.
func (h *SessionHandler) Publish(c *gin.Context) {
	id := domain.PublisherID(c.Param("id"))

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid publish request: " + err.Error()})
		return
	}

	// reserve the publisher slot before negotiating, so two racing publishes
	// for the same ID cannot both build a relay and orphan one of them
	h.mu.Lock()
	if _, exists := h.sessions[id]; exists {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": domain.ErrPublisherExists.Error()})
		return
	}
	h.sessions[id] = nil
	h.mu.Unlock()

	pc, err := pionwebrtc.NewPeerConnection(pionwebrtc.Configuration{
		ICEServers: []pionwebrtc.ICEServer{{URLs: h.cfg.ICEServers}},
	})
	if err != nil {
		h.releaseReservation(id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	session := webrtcinfra.NewPublisherSession(pc, h.logger)
	relay, err := services.NewPublisherRelay(id, h.bus, session, h.cfg.Relay, h.clk, h.metrics, h.logger)
	if err != nil {
		h.releaseReservation(id)
		pc.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	session.AttachRelay(relay)

	if err := pc.SetRemoteDescription(req.Offer); err != nil {
		h.releaseReservation(id)
		relay.Close()
		pc.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offer: " + err.Error()})
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		h.releaseReservation(id)
		relay.Close()
		pc.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	gatherComplete := pionwebrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		h.releaseReservation(id)
		relay.Close()
		pc.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	<-gatherComplete

	if err := h.registry.AddRelay(id, relay); err != nil {
		h.releaseReservation(id)
		relay.Close()
		pc.Close()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	h.mu.Lock()
	h.sessions[id] = session
	h.mu.Unlock()

	// negotiation failure past this point tears the publisher down again
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.NegotiationTimeout)
		defer cancel()
		if err := session.WaitConnected(ctx); err != nil {
			h.logger.Warnw("publisher never connected, removing",
				"publisher_id", id,
				"error", err,
			)
			h.removePublisher(id)
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"answer": pc.LocalDescription(),
		"state":  session.State(),
	})
}

func (h *SessionHandler) Unpublish(c *gin.Context) {
	id := domain.PublisherID(c.Param("id"))

	h.mu.Lock()
	_, exists := h.sessions[id]
	h.mu.Unlock()
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrPublisherNotFound.Error()})
		return
	}

	h.removePublisher(id)
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// Subscribe upgrades to a media websocket and starts a coordinator feeding
// it. Control frames from the client drive layer switching.
func (h *SessionHandler) Subscribe(c *gin.Context) {
	pub := domain.PublisherID(c.Param("id"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	subID := domain.SubscriberID(uuid.NewString())
	sink := signal.NewWebsocketSink(conn, h.cfg.SinkQueueSize, h.cfg.SinkWriteTimeout, h.logger)

	coord, err := services.NewCoordinator(subID, pub, h.bus, sink, h.cfg.Coordinator, h.clk, h.metrics, h.logger)
	if err != nil {
		h.logger.Errorw("failed to start coordinator", "publisher_id", pub, "error", err)
		sink.Close()
		return
	}
	h.registry.AddCoordinator(pub, subID, coord)

	h.logger.Infow("subscriber attached",
		"subscriber_id", subID,
		"publisher_id", pub,
	)

	go h.readControl(conn, pub, subID, coord)
}

type subscriberControl struct {
	Action string       `json:"action"`
	Layer  domain.Layer `json:"layer,omitempty"`
}

// readControl consumes the subscriber's inbound control frames until the
// socket dies, then detaches the coordinator. Removing the coordinator closes
// the sink and with it the connection.
func (h *SessionHandler) readControl(conn *websocket.Conn, pub domain.PublisherID, sub domain.SubscriberID, coord *services.Coordinator) {
	defer h.registry.RemoveCoordinator(pub, sub)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Infow("subscriber disconnected", "subscriber_id", sub)
			return
		}

		var msg subscriberControl
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warnw("bad control frame", "subscriber_id", sub, "error", err)
			continue
		}

		switch msg.Action {
		case "set_layer":
			if err := coord.SetTargetLayer(msg.Layer); err != nil {
				h.logger.Warnw("rejected layer switch request",
					"subscriber_id", sub,
					"layer", msg.Layer,
					"error", err,
				)
			}
		case "report_loss":
			coord.ReportPacketLoss()
		default:
			h.logger.Debugw("unknown control action", "action", msg.Action)
		}
	}
}

// releaseReservation frees the slot reserved at the top of Publish when
// negotiation fails before the session is installed.
func (h *SessionHandler) releaseReservation(id domain.PublisherID) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *SessionHandler) removePublisher(id domain.PublisherID) {
	h.mu.Lock()
	session := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	h.registry.RemoveRelay(id)
	if session != nil {
		if err := session.Close(); err != nil {
			h.logger.Warnw("error closing publisher session", "publisher_id", id, "error", err)
		}
	}
}
