package core

import (
	"context"

	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// StartCall places a call in the room.
func (e *Engine) StartCall(ctx context.Context, roomID string, video bool) (*store.Call, error) {
	var out *store.Call
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		if !rs.canWrite() {
			return coreError(ErrCodeAccessDenied, "read-only member")
		}
		if !rs.online() {
			return coreError(ErrCodeTransientNetwork, "room offline")
		}
		out, err = e.calls.Start(e.ctx, roomID, video)
		return mapComponentError(err)
	})
	return out, err
}

// AnswerCall accepts the call ringing in the room.
func (e *Engine) AnswerCall(ctx context.Context, roomID string, video bool) (*store.Call, error) {
	var out *store.Call
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		if !rs.online() {
			return coreError(ErrCodeTransientNetwork, "room offline")
		}
		out, err = e.calls.Answer(e.ctx, roomID, video)
		return mapComponentError(err)
	})
	return out, err
}

// HangCall ends the call of a room. Hanging a room without a call does
// nothing.
func (e *Engine) HangCall(ctx context.Context, roomID string) error {
	return e.call(ctx, func() error {
		if _, err := e.lookupRoom(roomID); err != nil {
			return err
		}
		e.calls.Hang(e.ctx, roomID)
		return nil
	})
}

// HangAllCalls ends every call.
func (e *Engine) HangAllCalls(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.calls.HangAll(e.ctx)
		return nil
	})
}

// EnableAudio unmutes the microphone in the room's call.
func (e *Engine) EnableAudio(ctx context.Context, roomID string) error {
	return e.callOp(ctx, func() error { return e.calls.SetAudio(roomID, true) })
}

// DisableAudio mutes the microphone in the room's call.
func (e *Engine) DisableAudio(ctx context.Context, roomID string) error {
	return e.callOp(ctx, func() error { return e.calls.SetAudio(roomID, false) })
}

// EnableVideo turns the camera on in the room's call.
func (e *Engine) EnableVideo(ctx context.Context, roomID string) error {
	return e.callOp(ctx, func() error { return e.calls.SetVideo(roomID, true) })
}

// DisableVideo turns the camera off in the room's call.
func (e *Engine) DisableVideo(ctx context.Context, roomID string) error {
	return e.callOp(ctx, func() error { return e.calls.SetVideo(roomID, false) })
}

// SetIgnoredCall silences the ring of the room's call.
func (e *Engine) SetIgnoredCall(ctx context.Context, roomID string) error {
	return e.callOp(ctx, func() error { return e.calls.SetIgnored(roomID) })
}

func (e *Engine) callOp(ctx context.Context, fn func() error) error {
	return e.call(ctx, func() error { return mapComponentError(fn()) })
}

// GetCall returns the live call of a room.
func (e *Engine) GetCall(ctx context.Context, roomID string) (*store.Call, error) {
	var out *store.Call
	err := e.call(ctx, func() error {
		call, ok := e.calls.Get(roomID)
		if !ok {
			return coreErrorf(ErrCodeNotFound, "no call in room %q", roomID)
		}
		out = call
		return nil
	})
	return out, err
}

// ListActiveCalls returns every live call.
func (e *Engine) ListActiveCalls(ctx context.Context) ([]*store.Call, error) {
	var out []*store.Call
	err := e.call(ctx, func() error {
		out = e.calls.List()
		return nil
	})
	return out, err
}

// VideoDevices lists the video inputs and the selected one.
func (e *Engine) VideoDevices(ctx context.Context) ([]string, string, error) {
	var devices []string
	var selected string
	err := e.call(ctx, func() error {
		devices = e.calls.VideoDevices()
		selected = e.calls.SelectedVideoDevice()
		return nil
	})
	return devices, selected, err
}

// SelectVideoDevice switches the video input.
func (e *Engine) SelectVideoDevice(ctx context.Context, name string) error {
	return e.callOp(ctx, func() error { return e.calls.SelectVideoDevice(name) })
}

func (e *Engine) onCallFrame(rs *roomSession, f proto.Frame) {
	var cd proto.CallData
	if err := f.Decode(&cd); err != nil || cd.CallID == "" {
		rs.log.Warn().Err(err).Str("type", f.Type).Msg("bad call frame")
		return
	}
	roomID := rs.room.ID
	switch f.Type {
	case proto.TypeCallIncoming:
		call, ring := e.calls.OnIncoming(e.ctx, roomID, cd)
		if ring {
			e.emitGlobal(Event{Kind: EventNotification, RoomID: roomID, UserID: cd.User, Notification: NotifyCallRing, Call: call})
		}
	case proto.TypeCallAnswered:
		e.calls.OnAnswered(e.ctx, roomID, cd)
	case proto.TypeCallEnded:
		e.calls.OnEnded(e.ctx, roomID, cd)
	case proto.TypeCallAV:
		e.calls.OnAV(roomID, cd)
	case proto.TypeCallParticipant:
		e.calls.OnParticipant(roomID, cd)
	}
}

func (e *Engine) signalCall(roomID, typ string, data proto.CallData) {
	if !e.sendChat(proto.MustFrame(typ, roomID, data)) {
		e.log.Debug().Str("room_id", roomID).Str("type", typ).Msg("call signal not sent, chat offline")
	}
}

func (e *Engine) onCallChanged(call *store.Call, join *callengine.JoinInfo) {
	ev := Event{Kind: EventCallUpdated, RoomID: call.RoomID, Call: call, JoinInfo: join}
	if rs, ok := e.rooms[call.RoomID]; ok {
		e.emitBoth(rs, ev)
		return
	}
	e.emitGlobal(ev)
}

func (e *Engine) onCallSessionChanged(call *store.Call, userID string) {
	ev := Event{Kind: EventSessionUpdated, RoomID: call.RoomID, UserID: userID, Call: call}
	if rs, ok := e.rooms[call.RoomID]; ok {
		e.emitBoth(rs, ev)
		return
	}
	e.emitGlobal(ev)
}
