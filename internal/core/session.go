package core

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/vovakirdan/wirechat-engine/internal/calls"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// Init prepares the engine for sid. An empty sid waits for the server to
// assign a new session on the first connect; a known sid restores the
// cached rooms and history so the application can work offline.
func (e *Engine) Init(ctx context.Context, sid string) (InitState, error) {
	var state InitState
	err := e.call(ctx, func() error {
		if e.initState != InitNone && e.initState != InitError {
			return coreErrorf(ErrCodeInvalidArgument, "already initialized (%s)", e.initState)
		}
		e.sid = sid
		if sid == "" {
			e.setInitState(InitWaitingNewSession)
			state = e.initState
			return nil
		}

		sess, err := e.store.GetSession(e.ctx, sid)
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.setInitState(InitNoCache)
		case err != nil:
			e.setInitState(InitError)
			state = e.initState
			return internalError("load session", err)
		default:
			e.userID = sess.UserID
			e.calls.SetSelf(sess.UserID)
			if err := e.loadCache(); err != nil {
				e.resetRooms()
				e.setInitState(InitError)
				state = e.initState
				return internalError("load cache", err)
			}
			e.setInitState(InitOfflineSession)
		}
		state = e.initState
		return nil
	})
	return state, err
}

// InitState returns the current init state.
func (e *Engine) InitState(ctx context.Context) (InitState, error) {
	var s InitState
	err := e.call(ctx, func() error {
		s = e.initState
		return nil
	})
	return s, err
}

// MyUserID returns the own user id, empty before the first login.
func (e *Engine) MyUserID(ctx context.Context) (string, error) {
	var id string
	err := e.call(ctx, func() error {
		id = e.userID
		return nil
	})
	return id, err
}

// SessionID returns the current session id.
func (e *Engine) SessionID(ctx context.Context) (string, error) {
	var id string
	err := e.call(ctx, func() error {
		id = e.sid
		return nil
	})
	return id, err
}

// Logout ends the session on the server when connected, then wipes the
// local cache. The engine must be initialized again afterwards.
func (e *Engine) Logout(ctx context.Context) error {
	err := e.await(ctx, func(complete func(error)) error {
		if e.initState == InitNone {
			return coreError(ErrCodeInvalidArgument, "engine not initialized")
		}
		if !e.chatReady() {
			complete(nil)
			return nil
		}
		e.request(proto.Frame{Type: proto.TypeLogout}, func(_ json.RawMessage, err error) {
			complete(err)
		})
		return nil
	})
	if Code(err) == ErrCodeInvalidArgument || errors.Is(err, ErrClosed) {
		return err
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("server logout failed, wiping local session anyway")
	}
	return e.call(ctx, func() error { return e.endSession(true) })
}

// LocalLogout disconnects and forgets the in-memory session but keeps the
// cache, so Init with the same sid restores it.
func (e *Engine) LocalLogout(ctx context.Context) error {
	return e.call(ctx, func() error { return e.endSession(false) })
}

func (e *Engine) endSession(wipe bool) error {
	e.conn.want = false
	e.teardown("logout")
	e.setConnState(ConnDisconnected)
	err := coreError(ErrCodeTransientNetwork, "logged out")
	e.failWaiters(err)
	e.failRequests(err)
	e.calls.DropAll(e.ctx, calls.ReasonLogout)

	var storeErr error
	if wipe && e.sid != "" {
		if err := e.store.DeleteSession(e.ctx, e.sid); err != nil {
			storeErr = internalError("delete session", err)
		}
	}
	e.log.Info().Str("session_id", e.sid).Bool("wiped", wipe).Msg("logged out")

	e.resetRooms()
	e.peers = make(map[string]store.Presence)
	e.sid = ""
	e.userID = ""
	e.calls.SetSelf("")
	e.setInitState(InitNone)
	return storeErr
}

// resetRooms forgets every room and ends its subscriptions.
func (e *Engine) resetRooms() {
	for _, rs := range e.rooms {
		e.closeRoomSubs(rs)
	}
	e.rooms = make(map[string]*roomSession)
}

func (e *Engine) loadCache() error {
	rooms, err := e.store.ListRooms(e.ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		rs := e.newRoomSession(room)
		if err := rs.hist.load(e, rs); err != nil {
			return err
		}
		e.rooms[room.ID] = rs
	}
	e.log.Info().Int("rooms", len(rooms)).Msg("cache loaded")
	return nil
}

// onLoggedIn handles the chat server's welcome.
func (e *Engine) onLoggedIn(w proto.WelcomeData) {
	if e.userID != "" && w.UserID != e.userID {
		e.log.Warn().Str("cached", e.userID).Str("server", w.UserID).Msg("user changed, dropping cache")
		if e.sid != "" {
			if err := e.store.DeleteSession(e.ctx, e.sid); err != nil {
				e.log.Error().Err(err).Msg("drop stale cache")
			}
		}
		e.resetRooms()
	}
	e.userID = w.UserID
	e.calls.SetSelf(w.UserID)
	if w.SessionID != "" {
		e.sid = w.SessionID
	}

	now := e.clock.Now()
	sess := &store.Session{ID: e.sid, UserID: e.userID, CreatedAt: now, UpdatedAt: now}
	if old, err := e.store.GetSession(e.ctx, e.sid); err == nil {
		sess.CreatedAt = old.CreatedAt
	}
	if err := e.store.SaveSession(e.ctx, sess); err != nil {
		e.log.Error().Err(err).Msg("save session")
	}
	e.log.Info().Str("user_id", e.userID).Str("session_id", e.sid).Msg("logged in")
	e.setInitState(InitOnlineSession)
}

func (e *Engine) setInitState(s InitState) {
	if e.initState == s {
		return
	}
	e.initState = s
	e.emitGlobal(Event{Kind: EventInitState, InitState: s})
}

func (e *Engine) sortedRoomIDs() []string {
	ids := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
