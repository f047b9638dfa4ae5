package http

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// WSHandler streams engine events to websocket clients.
type WSHandler struct {
	engine *core.Engine
	log    *zerolog.Logger
}

// NewWSHandler builds a new event stream handler.
func NewWSHandler(eng *core.Engine, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{engine: eng, log: logger}
}

// Global streams global events.
// GET /api/events
func (h *WSHandler) Global(c *gin.Context) {
	sub, err := h.engine.Subscribe(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	defer func() { _ = h.engine.Unsubscribe(sub.Token()) }()
	h.stream(c, sub)
}

// Room streams the events of one room. The room view stays open while the
// stream is connected.
// GET /api/rooms/:room/events
func (h *WSHandler) Room(c *gin.Context) {
	sub, err := h.engine.OpenRoom(c.Request.Context(), c.Param("room"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	defer func() { _ = h.engine.CloseRoom(sub.Token()) }()
	h.stream(c, sub)
}

func (h *WSHandler) stream(c *gin.Context, sub *core.Subscription) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()

	// Inbound messages are not expected; CloseRead cancels ctx once the
	// client goes away.
	ctx := conn.CloseRead(c.Request.Context())
	logger := h.log.With().Uint64("token", sub.Token()).Str("room_id", sub.RoomID()).Logger()
	logger.Debug().Msg("event stream opened")

	err = h.writeLoop(ctx, conn, sub)
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusNormalClosure, "subscription closed")
	case errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusGoingAway, "closing")
	default:
		logger.Warn().Err(err).Msg("event stream closed with error")
		_ = conn.Close(websocket.StatusInternalError, "write failed")
	}
	logger.Debug().Msg("event stream closed")
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *core.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, eventResponse(ev)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
