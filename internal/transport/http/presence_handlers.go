package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// PresenceHandlers serves own and peer presence endpoints.
type PresenceHandlers struct {
	engine *core.Engine
	log    *zerolog.Logger
}

// NewPresenceHandlers creates a new presence handlers instance.
func NewPresenceHandlers(eng *core.Engine, logger *zerolog.Logger) *PresenceHandlers {
	return &PresenceHandlers{engine: eng, log: logger}
}

// StatusRequest selects the own status by name.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// AutoawayRequest configures autoaway.
type AutoawayRequest struct {
	Enabled        bool  `json:"enabled"`
	TimeoutSeconds int64 `json:"timeout_seconds"`
}

// PersistRequest configures persist.
type PersistRequest struct {
	Enabled bool `json:"enabled"`
}

// UserPresenceResponse is a peer's last known status.
type UserPresenceResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Config returns the own presence configuration.
// GET /api/presence
func (h *PresenceHandlers) Config(c *gin.Context) {
	cfg, err := h.engine.PresenceConfig(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, presenceResponse(cfg))
}

// SetStatus sets the own status.
// PUT /api/presence/status
func (h *PresenceHandlers) SetStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if err := h.engine.SetOnlineStatus(c.Request.Context(), parsePresence(req.Status)); err != nil {
		fail(c, h.log, err)
		return
	}
	h.Config(c)
}

// SetAutoaway enables or disables autoaway.
// PUT /api/presence/autoaway
func (h *PresenceHandlers) SetAutoaway(c *gin.Context) {
	var req AutoawayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if err := h.engine.SetPresenceAutoaway(c.Request.Context(), req.Enabled, timeout); err != nil {
		fail(c, h.log, err)
		return
	}
	h.Config(c)
}

// SetPersist enables or disables persist.
// PUT /api/presence/persist
func (h *PresenceHandlers) SetPersist(c *gin.Context) {
	var req PersistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if err := h.engine.SetPresencePersist(c.Request.Context(), req.Enabled); err != nil {
		fail(c, h.log, err)
		return
	}
	h.Config(c)
}

// SignalActivity resets the autoaway timer.
// POST /api/presence/activity
func (h *PresenceHandlers) SignalActivity(c *gin.Context) {
	if err := h.engine.SignalActivity(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UserPresence returns a peer's status.
// GET /api/users/:user/presence
func (h *PresenceHandlers) UserPresence(c *gin.Context) {
	user := c.Param("user")
	status, err := h.engine.UserPresence(c.Request.Context(), user)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, UserPresenceResponse{UserID: user, Status: status.String()})
}
