// Package http serves the local control API: REST operations over the
// engine and websocket event streams.
package http

import (
	stdhttp "net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/auth"
	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// NewServer builds the control API server.
func NewServer(eng *core.Engine, authService *auth.Service, cfg *config.Config, clk clock.Clock, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Control.Addr,
		Handler:           NewRouter(eng, authService, cfg, clk, logger),
		ReadHeaderTimeout: cfg.Control.ReadHeaderTimeout,
	}
}

// NewRouter registers every control API route.
func NewRouter(eng *core.Engine, authService *auth.Service, cfg *config.Config, clk clock.Clock, logger *zerolog.Logger) *gin.Engine {
	if clk == nil {
		clk = clock.New()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	api := NewAPIHandlers(eng, authService, logger)
	rooms := NewRoomHandlers(eng, logger)
	messages := NewMessageHandlers(eng, logger)
	callsH := NewCallHandlers(eng, logger)
	presence := NewPresenceHandlers(eng, logger)
	events := NewWSHandler(eng, logger)

	router.GET("/health", api.Health)
	router.POST("/api/login", RateLimitMiddleware(newRateLimiter(clk, cfg.Control.LoginRateLimit, time.Minute)), api.Login)

	protected := router.Group("/api")
	protected.Use(AuthMiddleware(authService, logger))
	{
		protected.POST("/session/init", api.Init)
		protected.GET("/session", api.Session)
		protected.POST("/session/logout", api.Logout)
		protected.POST("/session/local-logout", api.LocalLogout)

		protected.POST("/connection/connect", api.Connect)
		protected.POST("/connection/disconnect", api.Disconnect)
		protected.POST("/connection/retry", api.Retry)
		protected.GET("/connection", api.ConnectionState)

		protected.GET("/events", events.Global)

		protected.GET("/rooms", rooms.ListRooms)
		protected.POST("/rooms", rooms.CreateChat)
		protected.GET("/rooms/:room", rooms.GetRoom)
		protected.GET("/rooms/:room/events", events.Room)
		protected.POST("/rooms/:room/leave", rooms.Leave)
		protected.PUT("/rooms/:room/title", rooms.SetTitle)
		protected.POST("/rooms/:room/members", rooms.Invite)
		protected.PUT("/rooms/:room/members/:user", rooms.UpdatePermissions)
		protected.DELETE("/rooms/:room/members/:user", rooms.Remove)
		protected.POST("/rooms/:room/typing", rooms.Typing)
		protected.GET("/rooms/:room/typing", rooms.TypingUsers)

		protected.POST("/rooms/:room/history", messages.LoadMessages)
		protected.GET("/rooms/:room/seen", messages.LastSeen)
		protected.POST("/rooms/:room/messages", messages.Send)
		protected.GET("/rooms/:room/messages/:id", messages.Get)
		protected.PUT("/rooms/:room/messages/:id", messages.Edit)
		protected.DELETE("/rooms/:room/messages/:id", messages.Delete)
		protected.POST("/rooms/:room/messages/:id/revoke", messages.Revoke)
		protected.POST("/rooms/:room/messages/:id/seen", messages.SetSeen)
		protected.PUT("/rooms/:room/messages/:id/reactions/:reaction", messages.AddReaction)
		protected.DELETE("/rooms/:room/messages/:id/reactions/:reaction", messages.RemoveReaction)
		protected.DELETE("/rooms/:room/temp/:id", messages.RetireTempID)
		protected.GET("/rooms/:room/pending", messages.Pending)
		protected.DELETE("/rooms/:room/pending/:id", messages.RemoveUnsent)
		protected.POST("/rooms/:room/pending/:id/resend", messages.ResendUnsent)

		protected.GET("/rooms/:room/call", callsH.Get)
		protected.POST("/rooms/:room/call", callsH.Start)
		protected.POST("/rooms/:room/call/answer", callsH.Answer)
		protected.POST("/rooms/:room/call/ignore", callsH.Ignore)
		protected.PUT("/rooms/:room/call/media", callsH.SetMedia)
		protected.DELETE("/rooms/:room/call", callsH.Hang)
		protected.GET("/calls", callsH.ListActive)
		protected.DELETE("/calls", callsH.HangAll)
		protected.GET("/video-devices", callsH.VideoDevices)
		protected.PUT("/video-devices", callsH.SelectVideoDevice)

		protected.GET("/presence", presence.Config)
		protected.PUT("/presence/status", presence.SetStatus)
		protected.PUT("/presence/autoaway", presence.SetAutoaway)
		protected.PUT("/presence/persist", presence.SetPersist)
		protected.POST("/presence/activity", presence.SignalActivity)
		protected.GET("/users/:user/presence", presence.UserPresence)
	}

	return router
}

// fail writes err with its mapped status.
func fail(c *gin.Context, logger *zerolog.Logger, err error) {
	status := statusFor(err)
	if status >= stdhttp.StatusInternalServerError {
		logger.Warn().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, errorResponse(err))
}

func badRequest(c *gin.Context, logger *zerolog.Logger, err error) {
	logger.Debug().Err(err).Str("path", c.FullPath()).Msg("invalid request body")
	c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeInvalidArgument})
}
