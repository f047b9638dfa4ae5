package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// MessageHandlers serves history and message lifecycle endpoints.
type MessageHandlers struct {
	engine *core.Engine
	log    *zerolog.Logger
}

// NewMessageHandlers creates a new message handlers instance.
func NewMessageHandlers(eng *core.Engine, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{engine: eng, log: logger}
}

// LoadRequest asks for up to Count older messages.
type LoadRequest struct {
	Count int `json:"count" binding:"required"`
}

// LoadResponse names where the batch comes from. The messages themselves
// arrive on the room event stream.
type LoadResponse struct {
	Source string `json:"source"`
}

// SendRequest carries exactly one of Content, Contacts or Node.
type SendRequest struct {
	Content  string   `json:"content"`
	Contacts []string `json:"contacts"`
	Node     string   `json:"node"`
}

// EditRequest replaces a message's content.
type EditRequest struct {
	Content string `json:"content" binding:"required"`
}

// SeenResponse names the last seen message.
type SeenResponse struct {
	MessageID string `json:"message_id"`
}

// LoadMessages starts a history load.
// POST /api/rooms/:room/history
func (h *MessageHandlers) LoadMessages(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	source, err := h.engine.LoadMessages(c.Request.Context(), c.Param("room"), req.Count)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, LoadResponse{Source: source.String()})
}

// Send queues a new message.
// POST /api/rooms/:room/messages
func (h *MessageHandlers) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}

	ctx, room := c.Request.Context(), c.Param("room")
	var (
		msg *store.Message
		err error
	)
	switch {
	case len(req.Contacts) > 0:
		msg, err = h.engine.AttachContacts(ctx, room, req.Contacts)
	case req.Node != "":
		msg, err = h.engine.AttachNode(ctx, room, req.Node)
	default:
		msg, err = h.engine.SendMessage(ctx, room, req.Content)
	}
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, messageResponse(msg))
}

// Get returns a message by definitive or temporary id.
// GET /api/rooms/:room/messages/:id
func (h *MessageHandlers) Get(c *gin.Context) {
	msg, err := h.engine.GetMessage(c.Request.Context(), c.Param("room"), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse(msg))
}

// Edit changes a message's content.
// PUT /api/rooms/:room/messages/:id
func (h *MessageHandlers) Edit(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	msg, err := h.engine.EditMessage(c.Request.Context(), c.Param("room"), c.Param("id"), req.Content)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, messageResponse(msg))
}

// Delete deletes a message.
// DELETE /api/rooms/:room/messages/:id
func (h *MessageHandlers) Delete(c *gin.Context) {
	msg, err := h.engine.DeleteMessage(c.Request.Context(), c.Param("room"), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, messageResponse(msg))
}

// Revoke revokes an attachment message.
// POST /api/rooms/:room/messages/:id/revoke
func (h *MessageHandlers) Revoke(c *gin.Context) {
	msg, err := h.engine.RevokeAttachment(c.Request.Context(), c.Param("room"), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, messageResponse(msg))
}

// SetSeen advances the seen pointer.
// POST /api/rooms/:room/messages/:id/seen
func (h *MessageHandlers) SetSeen(c *gin.Context) {
	if err := h.engine.SetSeen(c.Request.Context(), c.Param("room"), c.Param("id")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LastSeen returns the seen pointer.
// GET /api/rooms/:room/seen
func (h *MessageHandlers) LastSeen(c *gin.Context) {
	id, err := h.engine.LastSeen(c.Request.Context(), c.Param("room"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SeenResponse{MessageID: id})
}

// AddReaction adds the own reaction.
// PUT /api/rooms/:room/messages/:id/reactions/:reaction
func (h *MessageHandlers) AddReaction(c *gin.Context) {
	err := h.engine.AddReaction(c.Request.Context(), c.Param("room"), c.Param("id"), c.Param("reaction"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveReaction removes the own reaction.
// DELETE /api/rooms/:room/messages/:id/reactions/:reaction
func (h *MessageHandlers) RemoveReaction(c *gin.Context) {
	err := h.engine.RemoveReaction(c.Request.Context(), c.Param("room"), c.Param("id"), c.Param("reaction"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetireTempID forgets a confirmed message's temporary id.
// DELETE /api/rooms/:room/temp/:id
func (h *MessageHandlers) RetireTempID(c *gin.Context) {
	if err := h.engine.RetireTempID(c.Request.Context(), c.Param("room"), c.Param("id")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Pending lists unconfirmed and manual-send messages.
// GET /api/rooms/:room/pending
func (h *MessageHandlers) Pending(c *gin.Context) {
	msgs, err := h.engine.PendingMessages(c.Request.Context(), c.Param("room"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, messageResponses(msgs))
}

// RemoveUnsent drops a manual-send message.
// DELETE /api/rooms/:room/pending/:id
func (h *MessageHandlers) RemoveUnsent(c *gin.Context) {
	if err := h.engine.RemoveUnsentMessage(c.Request.Context(), c.Param("room"), c.Param("id")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResendUnsent requeues a manual-send message.
// POST /api/rooms/:room/pending/:id/resend
func (h *MessageHandlers) ResendUnsent(c *gin.Context) {
	msg, err := h.engine.ResendUnsentMessage(c.Request.Context(), c.Param("room"), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, messageResponse(msg))
}
