package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// RoomHandlers provides HTTP handlers for room management endpoints.
type RoomHandlers struct {
	engine *core.Engine
	log    *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(eng *core.Engine, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{engine: eng, log: logger}
}

// MemberRequest names a user and a privilege ("read-only", "standard",
// "moderator").
type MemberRequest struct {
	UserID string `json:"user_id"`
	Priv   string `json:"priv" binding:"required"`
}

// CreateChatRequest represents the create chat request body.
type CreateChatRequest struct {
	Group   bool            `json:"group"`
	Title   string          `json:"title"`
	Members []MemberRequest `json:"members" binding:"required"`
}

// TitleRequest sets a group title.
type TitleRequest struct {
	Title string `json:"title"`
}

// TypingRequest reports typing; Stop ends it.
type TypingRequest struct {
	Stop bool `json:"stop"`
}

// ListRooms lists the cached rooms.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	rooms, err := h.engine.Rooms(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response := make([]RoomResponse, 0, len(rooms))
	for _, r := range rooms {
		response = append(response, roomResponse(r))
	}
	c.JSON(http.StatusOK, response)
}

// GetRoom returns one room.
// GET /api/rooms/:room
func (h *RoomHandlers) GetRoom(c *gin.Context) {
	r, err := h.engine.Room(c.Request.Context(), c.Param("room"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse(r))
}

// CreateChat creates a group or one-to-one chat. A one-to-one chat with an
// existing peer returns the existing room.
// POST /api/rooms
func (h *RoomHandlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}

	peers := make([]core.Member, 0, len(req.Members))
	for _, m := range req.Members {
		peers = append(peers, core.Member{UserID: m.UserID, Priv: parsePriv(m.Priv)})
	}
	r, err := h.engine.CreateChat(c.Request.Context(), req.Group, req.Title, peers)
	if err != nil {
		fail(c, h.log, err)
		return
	}

	h.log.Info().Str("room_id", r.ID).Bool("group", req.Group).Int("members", len(peers)).Msg("chat created")
	c.JSON(http.StatusCreated, roomResponse(r))
}

// Leave leaves a group chat.
// POST /api/rooms/:room/leave
func (h *RoomHandlers) Leave(c *gin.Context) {
	if err := h.engine.Leave(c.Request.Context(), c.Param("room")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTitle renames a group chat.
// PUT /api/rooms/:room/title
func (h *RoomHandlers) SetTitle(c *gin.Context) {
	var req TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if err := h.engine.SetTitle(c.Request.Context(), c.Param("room"), req.Title); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Invite adds a member.
// POST /api/rooms/:room/members
func (h *RoomHandlers) Invite(c *gin.Context) {
	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if err := h.engine.Invite(c.Request.Context(), c.Param("room"), req.UserID, parsePriv(req.Priv)); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdatePermissions changes a member's privilege.
// PUT /api/rooms/:room/members/:user
func (h *RoomHandlers) UpdatePermissions(c *gin.Context) {
	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	priv := parsePriv(req.Priv)
	if err := h.engine.UpdatePermissions(c.Request.Context(), c.Param("room"), c.Param("user"), priv); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Remove removes a member.
// DELETE /api/rooms/:room/members/:user
func (h *RoomHandlers) Remove(c *gin.Context) {
	if err := h.engine.Remove(c.Request.Context(), c.Param("room"), c.Param("user")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Typing broadcasts typing or stop-typing.
// POST /api/rooms/:room/typing
func (h *RoomHandlers) Typing(c *gin.Context) {
	var req TypingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.log, err)
			return
		}
	}
	send := h.engine.SendTyping
	if req.Stop {
		send = h.engine.SendStopTyping
	}
	if err := send(c.Request.Context(), c.Param("room")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TypingUsers lists peers currently typing.
// GET /api/rooms/:room/typing
func (h *RoomHandlers) TypingUsers(c *gin.Context) {
	users, err := h.engine.TypingUsers(c.Request.Context(), c.Param("room"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

