package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/auth"
	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// APIHandlers serves login, session and connection endpoints.
type APIHandlers struct {
	engine      *core.Engine
	authService *auth.Service
	log         *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(eng *core.Engine, authService *auth.Service, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{engine: eng, authService: authService, log: logger}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
}

// InitRequest starts a session; an empty session id waits for a new login.
type InitRequest struct {
	SessionID string `json:"session_id"`
}

// SessionResponse describes the engine session.
type SessionResponse struct {
	InitState string `json:"init_state"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// ConnectRequest is the optional body of a connect call.
type ConnectRequest struct {
	Background bool `json:"background"`
}

// StateResponse carries a state name.
type StateResponse struct {
	State string `json:"state"`
}

// Health answers liveness probes.
// GET /health
func (h *APIHandlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Login exchanges the operator password for a token.
// POST /api/login
func (h *APIHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}

	token, err := h.authService.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		return
	case errors.Is(err, auth.ErrDisabled):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "login disabled"})
		return
	case err != nil:
		h.log.Error().Err(err).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().Msg("operator logged in")
	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// Init loads or starts a session.
// POST /api/session/init
func (h *APIHandlers) Init(c *gin.Context) {
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if _, err := h.engine.Init(c.Request.Context(), req.SessionID); err != nil {
		fail(c, h.log, err)
		return
	}
	h.Session(c)
}

// Session reports the init state and identity.
// GET /api/session
func (h *APIHandlers) Session(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := h.engine.InitState(ctx)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	sid, err := h.engine.SessionID(ctx)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	uid, err := h.engine.MyUserID(ctx)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{InitState: state.String(), SessionID: sid, UserID: uid})
}

// Logout ends the session on the server and clears the cache.
// POST /api/session/logout
func (h *APIHandlers) Logout(c *gin.Context) {
	if err := h.engine.Logout(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LocalLogout clears local state only.
// POST /api/session/local-logout
func (h *APIHandlers) LocalLogout(c *gin.Context) {
	if err := h.engine.LocalLogout(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Connect connects and waits until the session is online.
// POST /api/connection/connect
func (h *APIHandlers) Connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.log, err)
			return
		}
	}

	connect := h.engine.Connect
	if req.Background {
		connect = h.engine.ConnectInBackground
	}
	if err := connect(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	h.ConnectionState(c)
}

// Disconnect closes the links and stops reconnecting.
// POST /api/connection/disconnect
func (h *APIHandlers) Disconnect(c *gin.Context) {
	if err := h.engine.Disconnect(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	h.ConnectionState(c)
}

// Retry skips the current backoff delay.
// POST /api/connection/retry
func (h *APIHandlers) Retry(c *gin.Context) {
	if err := h.engine.RetryPendingConnections(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	h.ConnectionState(c)
}

// ConnectionState reports the overall connection state.
// GET /api/connection
func (h *APIHandlers) ConnectionState(c *gin.Context) {
	state, err := h.engine.ConnectionState(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, StateResponse{State: state.String()})
}
