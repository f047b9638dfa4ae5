package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// CallHandlers provides HTTP handlers for call endpoints.
type CallHandlers struct {
	engine *core.Engine
	log    *zerolog.Logger
}

// NewCallHandlers creates a new call handlers instance.
func NewCallHandlers(eng *core.Engine, logger *zerolog.Logger) *CallHandlers {
	return &CallHandlers{engine: eng, log: logger}
}

// CallRequest starts or answers a call.
type CallRequest struct {
	Video bool `json:"video"`
}

// MediaRequest toggles local media. Nil fields are left unchanged.
type MediaRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

// DevicesResponse lists video input devices.
type DevicesResponse struct {
	Devices  []string `json:"devices"`
	Selected string   `json:"selected"`
}

// DeviceRequest selects a video input device.
type DeviceRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *CallHandlers) bindCall(c *gin.Context) (CallRequest, bool) {
	var req CallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.log, err)
			return req, false
		}
	}
	return req, true
}

// Start starts an outgoing call.
// POST /api/rooms/:room/call
func (h *CallHandlers) Start(c *gin.Context) {
	req, ok := h.bindCall(c)
	if !ok {
		return
	}
	call, err := h.engine.StartCall(c.Request.Context(), c.Param("room"), req.Video)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	h.log.Info().Str("room_id", call.RoomID).Str("call_id", call.ID).Bool("video", req.Video).Msg("call started")
	c.JSON(http.StatusCreated, callResponse(call))
}

// Answer answers a ringing call.
// POST /api/rooms/:room/call/answer
func (h *CallHandlers) Answer(c *gin.Context) {
	req, ok := h.bindCall(c)
	if !ok {
		return
	}
	call, err := h.engine.AnswerCall(c.Request.Context(), c.Param("room"), req.Video)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, callResponse(call))
}

// Ignore silences a ringing call without rejecting it.
// POST /api/rooms/:room/call/ignore
func (h *CallHandlers) Ignore(c *gin.Context) {
	if err := h.engine.SetIgnoredCall(c.Request.Context(), c.Param("room")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetMedia enables or disables local audio and video.
// PUT /api/rooms/:room/call/media
func (h *CallHandlers) SetMedia(c *gin.Context) {
	var req MediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}

	ctx, room := c.Request.Context(), c.Param("room")
	if req.Audio != nil {
		toggle := h.engine.DisableAudio
		if *req.Audio {
			toggle = h.engine.EnableAudio
		}
		if err := toggle(ctx, room); err != nil {
			fail(c, h.log, err)
			return
		}
	}
	if req.Video != nil {
		toggle := h.engine.DisableVideo
		if *req.Video {
			toggle = h.engine.EnableVideo
		}
		if err := toggle(ctx, room); err != nil {
			fail(c, h.log, err)
			return
		}
	}
	h.Get(c)
}

// Hang ends the room's call. Hanging up without a call succeeds.
// DELETE /api/rooms/:room/call
func (h *CallHandlers) Hang(c *gin.Context) {
	if err := h.engine.HangCall(c.Request.Context(), c.Param("room")); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Get returns the room's call.
// GET /api/rooms/:room/call
func (h *CallHandlers) Get(c *gin.Context) {
	call, err := h.engine.GetCall(c.Request.Context(), c.Param("room"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, callResponse(call))
}

// ListActive lists calls that have not ended.
// GET /api/calls
func (h *CallHandlers) ListActive(c *gin.Context) {
	active, err := h.engine.ListActiveCalls(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response := make([]CallResponse, 0, len(active))
	for _, call := range active {
		response = append(response, callResponse(call))
	}
	c.JSON(http.StatusOK, response)
}

// HangAll ends every call.
// DELETE /api/calls
func (h *CallHandlers) HangAll(c *gin.Context) {
	if err := h.engine.HangAllCalls(c.Request.Context()); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// VideoDevices lists video input devices.
// GET /api/video-devices
func (h *CallHandlers) VideoDevices(c *gin.Context) {
	devices, selected, err := h.engine.VideoDevices(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if devices == nil {
		devices = []string{}
	}
	c.JSON(http.StatusOK, DevicesResponse{Devices: devices, Selected: selected})
}

// SelectVideoDevice selects the video input device.
// PUT /api/video-devices
func (h *CallHandlers) SelectVideoDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if err := h.engine.SelectVideoDevice(c.Request.Context(), req.Name); err != nil {
		fail(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
