// Package calls implements the per-room call signaling state machine.
package calls

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// Common errors for call operations.
var (
	ErrNoCall         = errors.New("no call in this room")
	ErrCallInProgress = errors.New("a call is already active in this room")
	ErrNotRinging     = errors.New("call is not ringing")
	ErrUnknownDevice  = errors.New("unknown video device")
)

// End reasons.
const (
	ReasonHangup   = "hangup"
	ReasonRemote   = "remote"
	ReasonRoomGone = "room-gone"
	ReasonLogout   = "logout"
)

// Hooks connect the coordinator to the engine. All hooks run on the
// goroutine that drives the coordinator.
type Hooks struct {
	// Signal sends a call frame to the chat server.
	Signal func(roomID, typ string, data proto.CallData)
	// Changed reports a new call state. join is non-nil once the own user
	// can enter the media session.
	Changed func(call *store.Call, join *callengine.JoinInfo)
	// SessionChanged reports a participant's media or connection change.
	SessionChanged func(call *store.Call, userID string)
	// InCall reports whether any call is in progress.
	InCall func(inCall bool)
}

// Coordinator tracks the calls of every room. It is not safe for
// concurrent use.
type Coordinator struct {
	self   string
	engine callengine.Engine // nil when no media backend is configured
	clock  clock.Clock
	hooks  Hooks
	log    *zerolog.Logger

	calls map[string]*store.Call // room id -> live call

	devices  []string
	selected string

	inCall bool
}

// New creates a coordinator. engine may be nil; calls then signal without
// join credentials.
func New(engine callengine.Engine, clk clock.Clock, devices []string, hooks Hooks, logger *zerolog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	c := &Coordinator{
		engine:  engine,
		clock:   clk,
		hooks:   hooks,
		log:     logger,
		calls:   make(map[string]*store.Call),
		devices: append([]string(nil), devices...),
	}
	if len(c.devices) > 0 {
		c.selected = c.devices[0]
	}
	return c
}

// SetSelf sets the own user id, known after login.
func (c *Coordinator) SetSelf(userID string) {
	c.self = userID
}

// Start places a call in roomID. The call rings until a peer answers.
func (c *Coordinator) Start(ctx context.Context, roomID string, video bool) (*store.Call, error) {
	if _, ok := c.calls[roomID]; ok {
		return nil, ErrCallInProgress
	}

	call := &store.Call{
		ID:           uuid.New().String(),
		RoomID:       roomID,
		InitiatorID:  c.self,
		Status:       store.CallStatusRinging,
		Outgoing:     true,
		VideoCapable: video,
		LocalAudio:   true,
		LocalVideo:   video,
		Sessions:     make(map[string]*store.CallSession),
		CreatedAt:    c.clock.Now(),
	}
	call.Sessions[c.self] = &store.CallSession{UserID: c.self, Audio: true, Video: video, State: store.SessionConnecting}
	if err := c.attachMedia(ctx, call); err != nil {
		return nil, err
	}
	c.calls[roomID] = call

	c.log.Info().Str("room_id", roomID).Str("call_id", call.ID).Bool("video", video).Msg("call started")
	c.signal(roomID, proto.TypeCallStart, proto.CallData{CallID: call.ID, Video: video})
	c.changed(call, nil)
	return call.Clone(), nil
}

// Answer accepts the incoming call ringing in roomID.
func (c *Coordinator) Answer(ctx context.Context, roomID string, video bool) (*store.Call, error) {
	call, ok := c.calls[roomID]
	if !ok {
		return nil, ErrNoCall
	}
	if call.Outgoing || call.Status != store.CallStatusRinging {
		return nil, ErrNotRinging
	}

	call.Status = store.CallStatusInProgress
	call.LocalAudio = true
	call.LocalVideo = video && call.VideoCapable
	call.Sessions[c.self] = &store.CallSession{UserID: c.self, Audio: true, Video: call.LocalVideo, State: store.SessionConnected}

	c.log.Info().Str("room_id", roomID).Str("call_id", call.ID).Msg("call answered")
	c.signal(roomID, proto.TypeCallAnswer, proto.CallData{CallID: call.ID, Video: call.LocalVideo})
	c.changed(call, c.joinInfo(ctx, call))
	c.updateInCall()
	return call.Clone(), nil
}

// Hang ends the call in roomID. Ending a room without a live call is a no-op.
func (c *Coordinator) Hang(ctx context.Context, roomID string) {
	call, ok := c.calls[roomID]
	if !ok {
		return
	}
	c.signal(roomID, proto.TypeCallEnd, proto.CallData{CallID: call.ID, Reason: ReasonHangup})
	c.end(ctx, call, ReasonHangup)
}

// HangAll ends every live call.
func (c *Coordinator) HangAll(ctx context.Context) {
	for _, roomID := range c.roomIDs() {
		c.Hang(ctx, roomID)
	}
}

// DropAll ends every live call locally without signaling, e.g. on logout.
func (c *Coordinator) DropAll(ctx context.Context, reason string) {
	for _, roomID := range c.roomIDs() {
		c.end(ctx, c.calls[roomID], reason)
	}
}

// RoomGone ends the call of a room the own user no longer belongs to.
func (c *Coordinator) RoomGone(ctx context.Context, roomID string) {
	if call, ok := c.calls[roomID]; ok {
		c.end(ctx, call, ReasonRoomGone)
	}
}

// SetAudio enables or disables the own microphone in the call.
func (c *Coordinator) SetAudio(roomID string, enabled bool) error {
	return c.setAV(roomID, func(call *store.Call) bool {
		if call.LocalAudio == enabled {
			return false
		}
		call.LocalAudio = enabled
		return true
	})
}

// SetVideo enables or disables the own camera in the call.
func (c *Coordinator) SetVideo(roomID string, enabled bool) error {
	return c.setAV(roomID, func(call *store.Call) bool {
		if call.LocalVideo == enabled {
			return false
		}
		call.LocalVideo = enabled
		if enabled {
			call.VideoCapable = true
		}
		return true
	})
}

func (c *Coordinator) setAV(roomID string, apply func(*store.Call) bool) error {
	call, ok := c.calls[roomID]
	if !ok {
		return ErrNoCall
	}
	if !apply(call) {
		return nil
	}
	if s, ok := call.Sessions[c.self]; ok {
		s.Audio = call.LocalAudio
		s.Video = call.LocalVideo
	}
	c.signal(roomID, proto.TypeCallAV, proto.CallData{CallID: call.ID, Audio: call.LocalAudio, Video: call.LocalVideo})
	c.sessionChanged(call, c.self)
	return nil
}

// SetIgnored stops ring notifications for the call in roomID. Signaling
// state is unchanged.
func (c *Coordinator) SetIgnored(roomID string) error {
	call, ok := c.calls[roomID]
	if !ok {
		return ErrNoCall
	}
	if call.Ignored {
		return nil
	}
	call.Ignored = true
	c.changed(call, nil)
	return nil
}

// Get returns the live call of roomID.
func (c *Coordinator) Get(roomID string) (*store.Call, bool) {
	call, ok := c.calls[roomID]
	if !ok {
		return nil, false
	}
	return call.Clone(), true
}

// List returns every live call ordered by room id.
func (c *Coordinator) List() []*store.Call {
	ids := c.roomIDs()
	out := make([]*store.Call, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.calls[id].Clone())
	}
	return out
}

// VideoDevices lists the configured video inputs.
func (c *Coordinator) VideoDevices() []string {
	return append([]string(nil), c.devices...)
}

// SelectedVideoDevice returns the current video input.
func (c *Coordinator) SelectedVideoDevice() string {
	return c.selected
}

// SelectVideoDevice switches the video input.
func (c *Coordinator) SelectVideoDevice(name string) error {
	for _, d := range c.devices {
		if d == name {
			c.selected = name
			return nil
		}
	}
	return ErrUnknownDevice
}

// OnIncoming handles a call offered by a peer. It reports whether the
// application should be notified of the ring.
func (c *Coordinator) OnIncoming(ctx context.Context, roomID string, data proto.CallData) (*store.Call, bool) {
	if call, ok := c.calls[roomID]; ok {
		if call.ID != data.CallID {
			c.log.Warn().Str("room_id", roomID).Str("call_id", data.CallID).Msg("second call offered in room, ignoring")
			return call.Clone(), false
		}
		// re-ring of a call we already know
		return call.Clone(), call.Status == store.CallStatusRinging && !call.Ignored
	}

	call := &store.Call{
		ID:           data.CallID,
		RoomID:       roomID,
		InitiatorID:  data.User,
		Status:       store.CallStatusRinging,
		VideoCapable: data.Video,
		Sessions:     make(map[string]*store.CallSession),
		CreatedAt:    c.clock.Now(),
	}
	call.Sessions[data.User] = &store.CallSession{UserID: data.User, Audio: true, Video: data.Video, State: store.SessionConnecting}
	if err := c.attachMedia(ctx, call); err != nil {
		c.log.Warn().Err(err).Str("call_id", call.ID).Msg("media backend refused incoming call")
	}
	c.calls[roomID] = call

	c.log.Info().Str("room_id", roomID).Str("call_id", call.ID).Str("from", data.User).Msg("incoming call")
	c.changed(call, nil)
	return call.Clone(), true
}

// OnAnswered handles a peer answering the call.
func (c *Coordinator) OnAnswered(ctx context.Context, roomID string, data proto.CallData) {
	call, ok := c.lookup(roomID, data.CallID)
	if !ok {
		return
	}
	call.Sessions[data.User] = &store.CallSession{UserID: data.User, Audio: true, Video: data.Video, State: store.SessionConnected}

	var join *callengine.JoinInfo
	if call.Status == store.CallStatusRinging {
		if !call.Outgoing {
			// answered on another device of the own user
			c.end(ctx, call, ReasonRemote)
			return
		}
		call.Status = store.CallStatusInProgress
		if s, ok := call.Sessions[c.self]; ok {
			s.State = store.SessionConnected
		}
		join = c.joinInfo(ctx, call)
		c.changed(call, join)
	}
	c.sessionChanged(call, data.User)
	c.updateInCall()
}

// OnEnded handles the server ending the call.
func (c *Coordinator) OnEnded(ctx context.Context, roomID string, data proto.CallData) {
	call, ok := c.lookup(roomID, data.CallID)
	if !ok {
		return
	}
	reason := data.Reason
	if reason == "" {
		reason = ReasonRemote
	}
	c.end(ctx, call, reason)
}

// OnAV handles a peer toggling audio or video.
func (c *Coordinator) OnAV(roomID string, data proto.CallData) {
	call, ok := c.lookup(roomID, data.CallID)
	if !ok {
		return
	}
	s, ok := call.Sessions[data.User]
	if !ok {
		s = &store.CallSession{UserID: data.User, State: store.SessionConnected}
		call.Sessions[data.User] = s
	}
	s.Audio = data.Audio
	s.Video = data.Video
	c.sessionChanged(call, data.User)
}

// OnParticipant handles a participant session changing state.
func (c *Coordinator) OnParticipant(roomID string, data proto.CallData) {
	call, ok := c.lookup(roomID, data.CallID)
	if !ok {
		return
	}
	state := store.SessionState(data.State)
	switch state {
	case store.SessionConnecting, store.SessionConnected, store.SessionLeft:
	default:
		c.log.Warn().Str("state", data.State).Msg("unknown participant state")
		return
	}
	s, ok := call.Sessions[data.User]
	if !ok {
		s = &store.CallSession{UserID: data.User}
		call.Sessions[data.User] = s
	}
	s.State = state
	c.sessionChanged(call, data.User)
}

func (c *Coordinator) lookup(roomID, callID string) (*store.Call, bool) {
	call, ok := c.calls[roomID]
	if !ok || call.ID != callID {
		c.log.Debug().Str("room_id", roomID).Str("call_id", callID).Msg("signal for unknown call")
		return nil, false
	}
	return call, true
}

func (c *Coordinator) end(ctx context.Context, call *store.Call, reason string) {
	delete(c.calls, call.RoomID)
	now := c.clock.Now()
	call.Status = store.CallStatusEnded
	call.EndReason = reason
	call.EndedAt = &now
	for _, s := range call.Sessions {
		s.State = store.SessionLeft
	}
	if c.engine != nil && call.ExternalRoomID != nil {
		if err := c.engine.EndCall(ctx, call); err != nil {
			c.log.Warn().Err(err).Str("call_id", call.ID).Msg("failed to release media room")
		}
	}
	c.log.Info().Str("room_id", call.RoomID).Str("call_id", call.ID).Str("reason", reason).Msg("call ended")
	c.changed(call, nil)
	c.updateInCall()
}

func (c *Coordinator) attachMedia(ctx context.Context, call *store.Call) error {
	if c.engine == nil {
		return nil
	}
	ext, err := c.engine.CreateCall(ctx, call)
	if err != nil {
		return fmt.Errorf("create media room: %w", err)
	}
	call.ExternalRoomID = &ext
	return nil
}

func (c *Coordinator) joinInfo(ctx context.Context, call *store.Call) *callengine.JoinInfo {
	if c.engine == nil || call.ExternalRoomID == nil {
		return nil
	}
	info, err := c.engine.GenerateJoinInfo(ctx, call, c.self)
	if err != nil {
		c.log.Warn().Err(err).Str("call_id", call.ID).Msg("failed to generate join info")
		return nil
	}
	return info
}

func (c *Coordinator) updateInCall() {
	inCall := false
	for _, call := range c.calls {
		if call.Status == store.CallStatusInProgress {
			inCall = true
			break
		}
	}
	if inCall == c.inCall {
		return
	}
	c.inCall = inCall
	if c.hooks.InCall != nil {
		c.hooks.InCall(inCall)
	}
}

func (c *Coordinator) roomIDs() []string {
	ids := make([]string, 0, len(c.calls))
	for id := range c.calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) signal(roomID, typ string, data proto.CallData) {
	if c.hooks.Signal != nil {
		c.hooks.Signal(roomID, typ, data)
	}
}

func (c *Coordinator) changed(call *store.Call, join *callengine.JoinInfo) {
	if c.hooks.Changed != nil {
		c.hooks.Changed(call.Clone(), join)
	}
}

func (c *Coordinator) sessionChanged(call *store.Call, userID string) {
	if c.hooks.SessionChanged != nil {
		c.hooks.SessionChanged(call.Clone(), userID)
	}
}
