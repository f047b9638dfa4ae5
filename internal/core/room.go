package core

import (
	"context"
	"encoding/json"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// MaxTitleLength is the longest group title, in characters.
const MaxTitleLength = 30

// Member is a participant passed to CreateChat.
type Member struct {
	UserID string
	Priv   store.Priv
}

// roomSession is the loop-owned state of one room.
type roomSession struct {
	room      *store.Room
	chatState ChatState
	subs      map[uint64]*Subscription
	typing    map[string]bool
	hist      *history
	log       *zerolog.Logger
}

func (e *Engine) newRoomSession(room *store.Room) *roomSession {
	if room.Members == nil {
		room.Members = make(map[string]store.Priv)
	}
	return &roomSession{
		room:   room,
		subs:   make(map[uint64]*Subscription),
		typing: make(map[string]bool),
		hist:   newHistory(room.ID),
		log:    e.roomLogger(room.ID),
	}
}

func (rs *roomSession) online() bool {
	return rs.chatState == ChatOnline
}

func (rs *roomSession) canWrite() bool {
	return rs.room.OwnPriv >= store.PrivStandard
}

func (rs *roomSession) isModerator() bool {
	return rs.room.OwnPriv >= store.PrivModerator
}

// lookupRoom returns the room or a not_found error.
func (e *Engine) lookupRoom(roomID string) (*roomSession, error) {
	rs, ok := e.rooms[roomID]
	if !ok {
		return nil, coreErrorf(ErrCodeNotFound, "unknown room %q", roomID)
	}
	return rs, nil
}

// Rooms lists the known rooms ordered by id.
func (e *Engine) Rooms(ctx context.Context) ([]*store.Room, error) {
	var out []*store.Room
	err := e.call(ctx, func() error {
		for _, id := range e.sortedRoomIDs() {
			out = append(out, e.rooms[id].room.Clone())
		}
		return nil
	})
	return out, err
}

// Room returns a copy of one room.
func (e *Engine) Room(ctx context.Context, roomID string) (*store.Room, error) {
	var out *store.Room
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		out = rs.room.Clone()
		return nil
	})
	return out, err
}

// ChatConnectionState returns the link state of one room.
func (e *Engine) ChatConnectionState(ctx context.Context, roomID string) (ChatState, error) {
	var s ChatState
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		s = rs.chatState
		return nil
	})
	return s, err
}

// OpenRoom subscribes to the events of a room. Several subscriptions may
// be open on the same room; they share its history cursor.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) (*Subscription, error) {
	sub := newSubscription(e.nextToken.Add(1), roomID)
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		rs.subs[sub.token] = sub
		e.subs.Store(sub.token, sub)
		rs.log.Debug().Uint64("token", sub.token).Int("subs", len(rs.subs)).Msg("room opened")
		return nil
	})
	if err != nil {
		sub.close()
		return nil, err
	}
	return sub, nil
}

// CreateChat asks the server for a new room. A one-to-one room takes
// exactly one peer and no title; an existing one-to-one room with the same
// peer is returned as is.
func (e *Engine) CreateChat(ctx context.Context, group bool, title string, peers []Member) (*store.Room, error) {
	var out *store.Room
	err := e.await(ctx, func(complete func(error)) error {
		if err := e.validateNewChat(group, title, peers); err != nil {
			return err
		}
		if !group {
			if rs := e.directRoomWith(peers[0].UserID); rs != nil {
				out = rs.room.Clone()
				complete(nil)
				return nil
			}
		}

		data := proto.CreateRoomData{Group: group, Title: title}
		for _, p := range peers {
			data.Members = append(data.Members, proto.MemberData{User: p.UserID, Priv: int(p.Priv)})
		}
		e.request(proto.MustFrame(proto.TypeCreateRoom, "", data), func(raw json.RawMessage, err error) {
			if err != nil {
				complete(err)
				return
			}
			var rd proto.RoomData
			if err := json.Unmarshal(raw, &rd); err != nil || rd.ID == "" {
				complete(coreError(ErrCodeInternal, "malformed create_room ack"))
				return
			}
			out = e.upsertRoom(rd).room.Clone()
			complete(nil)
		})
		return nil
	})
	return out, err
}

func (e *Engine) validateNewChat(group bool, title string, peers []Member) error {
	if e.userID == "" {
		return coreError(ErrCodeInvalidArgument, "not logged in")
	}
	if !group {
		if len(peers) != 1 {
			return coreError(ErrCodeInvalidArgument, "a one-to-one chat needs exactly one peer")
		}
		if title != "" {
			return coreError(ErrCodeInvalidArgument, "one-to-one chats have no title")
		}
	}
	if group && len(peers) == 0 {
		return coreError(ErrCodeInvalidArgument, "a group chat needs at least one peer")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return coreErrorf(ErrCodeInvalidArgument, "title longer than %d characters", MaxTitleLength)
	}
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		switch {
		case p.UserID == "" || p.UserID == e.userID:
			return coreErrorf(ErrCodeInvalidArgument, "invalid peer %q", p.UserID)
		case seen[p.UserID]:
			return coreErrorf(ErrCodeInvalidArgument, "duplicate peer %q", p.UserID)
		case !p.Priv.Valid():
			return coreErrorf(ErrCodeInvalidArgument, "invalid privilege %d", p.Priv)
		}
		seen[p.UserID] = true
	}
	return nil
}

func (e *Engine) directRoomWith(userID string) *roomSession {
	for _, rs := range e.rooms {
		if rs.room.IsGroup() {
			continue
		}
		if _, ok := rs.room.Members[userID]; ok {
			return rs
		}
	}
	return nil
}

// Invite adds a user to a group room.
func (e *Engine) Invite(ctx context.Context, roomID, userID string, priv store.Priv) error {
	if !priv.Valid() {
		return coreErrorf(ErrCodeInvalidArgument, "invalid privilege %d", priv)
	}
	return e.memberOp(ctx, roomID, proto.TypeInvite, userID, priv)
}

// Remove removes a user from a group room.
func (e *Engine) Remove(ctx context.Context, roomID, userID string) error {
	return e.memberOp(ctx, roomID, proto.TypeRemove, userID, store.PrivRemoved)
}

// UpdatePermissions changes the privilege of a member.
func (e *Engine) UpdatePermissions(ctx context.Context, roomID, userID string, priv store.Priv) error {
	if !priv.Valid() {
		return coreErrorf(ErrCodeInvalidArgument, "invalid privilege %d", priv)
	}
	return e.memberOp(ctx, roomID, proto.TypeSetPriv, userID, priv)
}

func (e *Engine) memberOp(ctx context.Context, roomID, typ, userID string, priv store.Priv) error {
	return e.await(ctx, func(complete func(error)) error {
		rs, err := e.moderatedRoom(roomID)
		if err != nil {
			return err
		}
		if userID == "" || userID == e.userID {
			return coreErrorf(ErrCodeInvalidArgument, "invalid member %q", userID)
		}
		_, member := rs.room.Members[userID]
		switch {
		case typ == proto.TypeInvite && member:
			return coreErrorf(ErrCodeInvalidArgument, "%s is already a member", userID)
		case typ != proto.TypeInvite && !member:
			return coreErrorf(ErrCodeNotFound, "%s is not a member", userID)
		}

		data := proto.MemberData{User: userID, Priv: int(priv)}
		e.request(proto.MustFrame(typ, roomID, data), func(_ json.RawMessage, err error) {
			if err == nil {
				e.applyMember(roomID, data)
			}
			complete(err)
		})
		return nil
	})
}

// SetTitle renames a group room.
func (e *Engine) SetTitle(ctx context.Context, roomID, title string) error {
	return e.await(ctx, func(complete func(error)) error {
		if _, err := e.moderatedRoom(roomID); err != nil {
			return err
		}
		if title == "" || utf8.RuneCountInString(title) > MaxTitleLength {
			return coreErrorf(ErrCodeInvalidArgument, "title must be 1 to %d characters", MaxTitleLength)
		}
		e.request(proto.MustFrame(proto.TypeSetTitle, roomID, proto.TitleData{Title: title}), func(_ json.RawMessage, err error) {
			if err == nil {
				if rs, ok := e.rooms[roomID]; ok && rs.room.Title != title {
					rs.room.Title = title
					e.saveRoom(rs)
					e.emitRoomUpdated(rs)
				}
			}
			complete(err)
		})
		return nil
	})
}

func (e *Engine) moderatedRoom(roomID string) (*roomSession, error) {
	rs, err := e.lookupRoom(roomID)
	if err != nil {
		return nil, err
	}
	if !rs.room.IsGroup() {
		return nil, coreError(ErrCodeInvalidArgument, "not a group room")
	}
	if !rs.isModerator() {
		return nil, coreError(ErrCodeAccessDenied, "moderator privilege required")
	}
	return rs, nil
}

// Leave leaves a group room. The room is destroyed locally once the
// server confirms.
func (e *Engine) Leave(ctx context.Context, roomID string) error {
	return e.await(ctx, func(complete func(error)) error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		if !rs.room.IsGroup() {
			return coreError(ErrCodeInvalidArgument, "cannot leave a one-to-one room")
		}
		e.request(proto.Frame{Type: proto.TypeLeave, Room: roomID}, func(_ json.RawMessage, err error) {
			if err == nil {
				if rs, ok := e.rooms[roomID]; ok {
					e.dropRoom(rs, "left")
				}
			}
			complete(err)
		})
		return nil
	})
}

// SendTyping tells the room the user is typing.
func (e *Engine) SendTyping(ctx context.Context, roomID string) error {
	return e.sendTypingFrame(ctx, roomID, proto.TypeTyping)
}

// SendStopTyping tells the room the user stopped typing.
func (e *Engine) SendStopTyping(ctx context.Context, roomID string) error {
	return e.sendTypingFrame(ctx, roomID, proto.TypeStopTyping)
}

func (e *Engine) sendTypingFrame(ctx context.Context, roomID, typ string) error {
	return e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		if !rs.online() {
			return coreError(ErrCodeTransientNetwork, "room offline")
		}
		e.sendChat(proto.MustFrame(typ, roomID, proto.TypingData{User: e.userID}))
		return nil
	})
}

// joinRoom subscribes the session to rs on the chat server.
func (e *Engine) joinRoom(rs *roomSession) {
	if !e.chatReady() {
		return
	}
	e.setChatState(rs, ChatJoining)
	e.sendChat(proto.MustFrame(proto.TypeJoin, rs.room.ID, proto.JoinData{Newest: rs.hist.highestID}))
}

func (e *Engine) setChatState(rs *roomSession, s ChatState) {
	if rs.chatState == s {
		return
	}
	rs.log.Debug().Str("from", rs.chatState.String()).Str("to", s.String()).Msg("chat state")
	rs.chatState = s
	e.emitBoth(rs, Event{Kind: EventChatConnectionState, ChatState: s})
}

// upsertRoom applies room metadata from the server. New rooms are joined.
func (e *Engine) upsertRoom(rd proto.RoomData) *roomSession {
	incoming := roomFromData(rd, e.userID)
	rs, ok := e.rooms[rd.ID]
	if !ok {
		rs = e.newRoomSession(incoming)
		e.rooms[rd.ID] = rs
		if err := rs.hist.load(e, rs); err != nil {
			rs.log.Error().Err(err).Msg("load history")
		}
		e.saveRoom(rs)
		rs.log.Info().Str("type", string(incoming.Type)).Msg("room added")
		e.emitRoomUpdated(rs)
		e.joinRoom(rs)
	} else {
		r := rs.room
		if r.Title != incoming.Title || r.OwnPriv != incoming.OwnPriv || r.Type != incoming.Type || !sameMembers(r.Members, incoming.Members) {
			r.Title = incoming.Title
			r.OwnPriv = incoming.OwnPriv
			r.Type = incoming.Type
			r.Members = incoming.Members
			e.saveRoom(rs)
			e.emitRoomUpdated(rs)
		}
	}

	if rd.LastSeen != "" {
		e.onRemoteSeen(rs, rd.LastSeen)
	}
	if rd.LastRecv != "" {
		e.onRemoteReceived(rs, rd.LastRecv)
	}
	return rs
}

func roomFromData(rd proto.RoomData, self string) *store.Room {
	r := &store.Room{
		ID:        rd.ID,
		Type:      store.RoomTypeDirect,
		Title:     rd.Title,
		Members:   make(map[string]store.Priv, len(rd.Members)),
		OwnPriv:   store.Priv(rd.OwnPriv),
		CreatedAt: time.UnixMilli(rd.CreatedAt),
	}
	if rd.Group {
		r.Type = store.RoomTypeGroup
	}
	for _, m := range rd.Members {
		if m.User == self {
			continue
		}
		r.Members[m.User] = store.Priv(m.Priv)
	}
	return r
}

func sameMembers(a, b map[string]store.Priv) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// applyMember applies a membership change. Removing the own user destroys
// the room locally.
func (e *Engine) applyMember(roomID string, md proto.MemberData) {
	rs, ok := e.rooms[roomID]
	if !ok {
		return
	}
	priv := store.Priv(md.Priv)
	if md.User == e.userID {
		if priv == store.PrivRemoved {
			e.dropRoom(rs, "removed")
			return
		}
		if rs.room.OwnPriv == priv {
			return
		}
		rs.room.OwnPriv = priv
	} else {
		old, member := rs.room.Members[md.User]
		switch {
		case priv == store.PrivRemoved && !member:
			return
		case priv == store.PrivRemoved:
			delete(rs.room.Members, md.User)
		case member && old == priv:
			return
		default:
			rs.room.Members[md.User] = priv
		}
	}
	e.saveRoom(rs)
	e.emitRoomUpdated(rs)
}

// dropRoom destroys a room locally: its call ends, its subscribers get a
// final update with the own privilege set to removed, and the cache goes.
func (e *Engine) dropRoom(rs *roomSession, reason string) {
	rs.log.Info().Str("reason", reason).Msg("room destroyed")
	rs.hist.cancelFetch(e, rs, false)
	e.calls.RoomGone(e.ctx, rs.room.ID)
	rs.room.OwnPriv = store.PrivRemoved
	e.emitRoomUpdated(rs)
	e.closeRoomSubs(rs)
	if err := e.store.DeleteRoom(e.ctx, rs.room.ID); err != nil {
		rs.log.Error().Err(err).Msg("delete room")
	}
	delete(e.rooms, rs.room.ID)
}

func (e *Engine) closeRoomSubs(rs *roomSession) {
	for token, sub := range rs.subs {
		e.subs.Delete(token)
		sub.close()
	}
	rs.subs = make(map[uint64]*Subscription)
}

func (e *Engine) saveRoom(rs *roomSession) {
	if err := e.store.SaveRoom(e.ctx, rs.room); err != nil {
		rs.log.Error().Err(err).Msg("save room")
	}
}

func (e *Engine) emitRoomUpdated(rs *roomSession) {
	e.emitBoth(rs, Event{Kind: EventRoomUpdated, Room: rs.room.Clone()})
}

func (e *Engine) onRoomFrame(f proto.Frame) {
	var rd proto.RoomData
	if err := f.Decode(&rd); err != nil || rd.ID == "" {
		e.log.Warn().Err(err).Msg("bad room frame")
		return
	}
	if store.Priv(rd.OwnPriv) == store.PrivRemoved {
		if rs, ok := e.rooms[rd.ID]; ok {
			e.dropRoom(rs, "removed")
		}
		return
	}
	e.upsertRoom(rd)
}

// onJoined completes a join: the room goes online, queued sends are
// replayed and a seen pointer set while offline is pushed.
func (e *Engine) onJoined(f proto.Frame) {
	var rd proto.RoomData
	if len(f.Data) > 0 {
		if err := f.Decode(&rd); err != nil {
			e.log.Warn().Err(err).Msg("bad joined frame")
			return
		}
	}
	if rd.ID == "" {
		rd.ID = f.Room
	}
	rs, ok := e.rooms[rd.ID]
	if !ok {
		return
	}
	if len(rd.Members) > 0 || rd.Title != "" {
		e.upsertRoom(rd)
	}
	e.setChatState(rs, ChatOnline)
	e.replaySending(rs)
	if rs.hist.seenPending && rs.hist.lastSeenID != "" {
		rs.hist.seenPending = false
		e.sendChat(proto.MustFrame(proto.TypeSeen, rs.room.ID, proto.PointerData{ID: rs.hist.lastSeenID}))
	}
}

func (e *Engine) onMemberFrame(f proto.Frame) {
	var md proto.MemberData
	if err := f.Decode(&md); err != nil {
		e.log.Warn().Err(err).Msg("bad member frame")
		return
	}
	e.applyMember(f.Room, md)
}

func (e *Engine) onTyping(rs *roomSession, f proto.Frame, typing bool) {
	var td proto.TypingData
	if err := f.Decode(&td); err != nil || td.User == "" || td.User == e.userID {
		return
	}
	if typing {
		rs.typing[td.User] = true
		e.emitRoom(rs, Event{Kind: EventTyping, UserID: td.User})
		return
	}
	if rs.typing[td.User] {
		delete(rs.typing, td.User)
		e.emitRoom(rs, Event{Kind: EventStopTyping, UserID: td.User})
	}
}

// TypingUsers lists who is typing in a room.
func (e *Engine) TypingUsers(ctx context.Context, roomID string) ([]string, error) {
	var out []string
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		for u := range rs.typing {
			out = append(out, u)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// dispatchChat routes a chat-link frame.
func (e *Engine) dispatchChat(f proto.Frame) {
	switch f.Type {
	case proto.TypeRoom:
		e.onRoomFrame(f)
		return
	case proto.TypeJoined:
		e.onJoined(f)
		return
	case proto.TypeMember:
		e.onMemberFrame(f)
		return
	}

	rs, ok := e.rooms[f.Room]
	if !ok {
		e.log.Debug().Str("type", f.Type).Str("room_id", f.Room).Msg("frame for unknown room")
		return
	}
	switch f.Type {
	case proto.TypeOldMsg:
		e.onOldMsg(rs, f)
	case proto.TypeHistDone:
		e.onHistDone(rs)
	case proto.TypeHistoryReload:
		e.reloadHistory(rs)
	case proto.TypeNewMsg:
		e.onNewMsg(rs, f)
	case proto.TypeNewMsgID:
		e.onNewMsgID(rs, f)
	case proto.TypeMsgUpd:
		e.onMsgUpd(rs, f)
	case proto.TypeReject:
		e.onReject(rs, f)
	case proto.TypeSeen:
		var p proto.PointerData
		if err := f.Decode(&p); err == nil {
			e.onRemoteSeen(rs, p.ID)
		}
	case proto.TypeReceived:
		var p proto.PointerData
		if err := f.Decode(&p); err == nil {
			e.onRemoteReceived(rs, p.ID)
		}
	case proto.TypeTyping:
		e.onTyping(rs, f, true)
	case proto.TypeStopTyping:
		e.onTyping(rs, f, false)
	case proto.TypeReaction:
		e.onReaction(rs, f)
	case proto.TypeCallIncoming, proto.TypeCallAnswered, proto.TypeCallEnded,
		proto.TypeCallAV, proto.TypeCallParticipant:
		e.onCallFrame(rs, f)
	default:
		rs.log.Debug().Str("type", f.Type).Msg("unhandled frame")
	}
}
