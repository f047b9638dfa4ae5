package core

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gammazero/deque"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// history is the in-memory view of one room's message log. Confirmed
// messages have contiguous indexes [lowest, highest]; ram holds the
// suffix starting at ramLow, the rest is only in the database.
type history struct {
	roomID string

	ram    []*store.Message
	ramLow int64

	empty     bool
	lowest    int64
	highest   int64
	lowestID  string
	highestID string

	byID   map[string]*store.Message
	byTemp map[string]*store.Message

	sending deque.Deque[*outbound]
	manual  []*outbound

	// cursor is the index below which the next LoadMessages continues.
	cursor    int64
	fetching  bool
	fetchWant int
	fetchGot  []*store.Message
	haveAll   bool

	lastSeenID  string
	lastSeenIdx int64
	seenPending bool
	lastRecvID  string
	lastRecvIdx int64
}

func newHistory(roomID string) *history {
	return &history{
		roomID:      roomID,
		empty:       true,
		lowest:      store.IdxInvalid,
		highest:     store.IdxInvalid,
		byID:        make(map[string]*store.Message),
		byTemp:      make(map[string]*store.Message),
		cursor:      store.IdxInvalid,
		lastSeenIdx: store.IdxInvalid,
		lastRecvIdx: store.IdxInvalid,
	}
}

// load restores the room's history bounds, pointers and send queue from
// the database.
func (h *history) load(e *Engine, rs *roomSession) error {
	ctx := e.ctx
	info, err := e.store.HistoryInfo(ctx, h.roomID)
	if err != nil {
		return err
	}
	h.haveAll = info.HaveAll
	if info.Count > 0 {
		h.empty = false
		h.lowest, h.highest = info.OldestIdx, info.NewestIdx
		if h.highestID, err = h.idAt(ctx, e.store, h.highest); err != nil {
			return err
		}
		if h.lowestID, err = h.idAt(ctx, e.store, h.lowest); err != nil {
			return err
		}
	}
	if info.LastSeenID != "" {
		h.lastSeenID = info.LastSeenID
		if m, err := e.store.GetMessage(ctx, h.roomID, info.LastSeenID); err == nil {
			h.lastSeenIdx = m.Idx
		}
	}
	if info.LastReceivedID != "" {
		h.lastRecvID = info.LastReceivedID
		if m, err := e.store.GetMessage(ctx, h.roomID, info.LastReceivedID); err == nil {
			h.lastRecvIdx = m.Idx
		}
	}

	items, err := e.store.ListSending(ctx, h.roomID)
	if err != nil {
		return err
	}
	for _, it := range items {
		ob := &outbound{item: it}
		if it.Msg.RoomID == "" {
			it.Msg.RoomID = h.roomID
		}
		if it.ManualReason != 0 {
			h.manual = append(h.manual, ob)
		} else {
			h.sending.PushBack(ob)
		}
		if it.Op == store.SendOpNew {
			h.byTemp[it.Msg.TempID] = it.Msg
		}
	}

	n, err := e.store.CountUnread(ctx, h.roomID, e.userID, h.lastSeenIdx)
	if err != nil {
		return err
	}
	rs.room.UnreadCount = n
	return nil
}

func (h *history) idAt(ctx context.Context, st store.HistoryStore, idx int64) (string, error) {
	msgs, err := st.FetchHistory(ctx, h.roomID, idx+1, 1)
	if err != nil || len(msgs) == 0 {
		return "", err
	}
	return msgs[0].ID, nil
}

func (h *history) inRAM(idx int64) bool {
	return len(h.ram) > 0 && idx >= h.ramLow && idx < h.ramLow+int64(len(h.ram))
}

// appendConfirmed places a confirmed message at the top of the log.
func (h *history) appendConfirmed(e *Engine, m *store.Message) {
	if h.empty {
		m.Idx = 0
		h.empty = false
		h.lowest, h.lowestID = 0, m.ID
	} else {
		m.Idx = h.highest + 1
	}
	h.highest, h.highestID = m.Idx, m.ID
	if len(h.ram) == 0 {
		h.ramLow = m.Idx
	}
	h.ram = append(h.ram, m)
	h.byID[m.ID] = m
	h.persist(e, m, e.store.AddMessage)
}

// prependOld places a backfilled message below the oldest known one.
func (h *history) prependOld(e *Engine, m *store.Message) {
	if h.empty {
		m.Idx = 0
		h.empty = false
		h.highest, h.highestID = 0, m.ID
	} else {
		m.Idx = h.lowest - 1
	}
	h.lowest, h.lowestID = m.Idx, m.ID
	switch {
	case len(h.ram) == 0:
		h.ram = []*store.Message{m}
		h.ramLow = m.Idx
	case h.ramLow == m.Idx+1:
		h.ram = slices.Insert(h.ram, 0, m)
		h.ramLow = m.Idx
	}
	h.byID[m.ID] = m
	h.persist(e, m, e.store.AddMessage)
}

// prependRAM adds a message read from the database below the RAM suffix.
func (h *history) prependRAM(m *store.Message) bool {
	if len(h.ram) > 0 && m.Idx != h.ramLow-1 {
		return false
	}
	h.ram = slices.Insert(h.ram, 0, m)
	h.ramLow = m.Idx
	h.byID[m.ID] = m
	return true
}

func (h *history) persist(e *Engine, m *store.Message, op func(context.Context, *store.Message) error) {
	if err := op(e.ctx, m); err != nil {
		e.log.Error().Err(err).Str("room_id", h.roomID).Str("msg_id", m.ID).Msg("persist message")
	}
}

// find returns a confirmed message from RAM or the database.
func (h *history) find(e *Engine, id string) *store.Message {
	if m, ok := h.byID[id]; ok {
		return m
	}
	m, err := e.store.GetMessage(e.ctx, h.roomID, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("room_id", h.roomID).Msg("get message")
		}
		return nil
	}
	if h.inRAM(m.Idx) {
		return h.ram[m.Idx-h.ramLow]
	}
	h.deriveStatus(m, e.userID)
	return m
}

// deriveStatus sets the status of a confirmed message from the pointers.
func (h *history) deriveStatus(m *store.Message, self string) {
	if m.UserID != self {
		if h.lastSeenIdx != store.IdxInvalid && m.Idx <= h.lastSeenIdx {
			m.Status = store.StatusSeen
		} else {
			m.Status = store.StatusNotSeen
		}
		return
	}
	if h.lastRecvIdx != store.IdxInvalid && m.Idx <= h.lastRecvIdx {
		m.Status = store.StatusDelivered
	} else if m.Status != store.StatusDelivered {
		m.Status = store.StatusServerReceived
	}
}

func (h *history) cancelFetch(e *Engine, rs *roomSession, notify bool) {
	if !h.fetching {
		return
	}
	h.fetching = false
	h.fetchGot = nil
	if notify {
		e.emitRoom(rs, Event{Kind: EventMessageLoaded})
	}
}

// closeView runs when the last subscriber of the room left.
func (h *history) closeView(e *Engine, rs *roomSession) {
	h.cancelFetch(e, rs, false)
	h.cursor = store.IdxInvalid
	for temp, m := range h.byTemp {
		if m.ID != "" {
			delete(h.byTemp, temp)
		}
	}
	rs.log.Debug().Msg("room view closed")
}

// LoadMessages requests up to count older messages for the room and says
// where they come from. They arrive as EventMessageLoaded on the room's
// subscriptions, oldest first, followed by a nil-message sentinel.
func (e *Engine) LoadMessages(ctx context.Context, roomID string, count int) (HistorySource, error) {
	var src HistorySource
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		if count <= 0 {
			return coreError(ErrCodeInvalidArgument, "count must be positive")
		}
		src, err = e.loadMessages(rs, count)
		return err
	})
	return src, err
}

func (e *Engine) loadMessages(rs *roomSession, count int) (HistorySource, error) {
	h := rs.hist
	if h.fetching {
		return SourceRemote, nil
	}
	if h.cursor == store.IdxInvalid {
		h.cursor = h.highest + 1
		if h.empty {
			h.cursor = 0
		}
	}

	var batch []*store.Message
	for len(batch) < count && !h.empty && h.cursor > h.lowest && h.inRAM(h.cursor-1) {
		h.cursor--
		batch = append(batch, h.ram[h.cursor-h.ramLow])
	}
	if len(batch) < count && !h.empty && h.cursor > h.lowest {
		msgs, err := e.store.FetchHistory(e.ctx, h.roomID, h.cursor, count-len(batch))
		if err != nil {
			return SourceNone, internalError("fetch history", err)
		}
		for _, m := range msgs {
			if m.Idx != h.cursor-1 || !h.prependRAM(m) {
				rs.log.Warn().Int64("idx", m.Idx).Int64("cursor", h.cursor).Msg("gap in cached history")
				break
			}
			h.deriveStatus(m, e.userID)
			h.cursor--
			batch = append(batch, m)
		}
	}

	if len(batch) > 0 {
		slices.Reverse(batch)
		e.deliverBatch(rs, batch)
		return SourceLocal, nil
	}
	if h.haveAll {
		e.emitRoom(rs, Event{Kind: EventMessageLoaded})
		return SourceNone, nil
	}
	if !rs.online() {
		return SourceNone, coreError(ErrCodeTransientNetwork, "history not cached and room offline")
	}

	h.fetching = true
	h.fetchWant = count
	h.fetchGot = nil
	e.sendChat(proto.MustFrame(proto.TypeHist, h.roomID, proto.HistData{Count: count, Before: h.lowestID}))
	rs.log.Debug().Int("count", count).Str("before", h.lowestID).Msg("fetching history")
	return SourceRemote, nil
}

// deliverBatch emits msgs, already in ascending order, and the sentinel.
// Protocol-only messages are not shown.
func (e *Engine) deliverBatch(rs *roomSession, msgs []*store.Message) {
	for _, m := range msgs {
		if m.Type == store.MessageTypeRevokeAttachment {
			continue
		}
		e.emitRoom(rs, Event{Kind: EventMessageLoaded, Message: m.Clone()})
	}
	e.emitRoom(rs, Event{Kind: EventMessageLoaded})
}

func (e *Engine) onOldMsg(rs *roomSession, f proto.Frame) {
	h := rs.hist
	if !h.fetching {
		return
	}
	var md proto.MessageData
	if err := f.Decode(&md); err != nil || md.ID == "" {
		rs.log.Warn().Err(err).Msg("bad oldmsg")
		return
	}
	if h.find(e, md.ID) != nil {
		return
	}
	m := messageFromData(md, h.roomID)
	h.prependOld(e, m)
	h.deriveStatus(m, e.userID)
	h.fetchGot = append(h.fetchGot, m)
}

func (e *Engine) onHistDone(rs *roomSession) {
	h := rs.hist
	if !h.fetching {
		return
	}
	got := h.fetchGot
	h.fetching = false
	h.fetchGot = nil
	if len(got) < h.fetchWant {
		h.haveAll = true
		if err := e.store.SetHaveAllHistory(e.ctx, h.roomID, true); err != nil {
			rs.log.Error().Err(err).Msg("store have-all flag")
		}
	}
	if !h.empty {
		h.cursor = h.lowest
	}
	rs.log.Debug().Int("got", len(got)).Bool("have_all", h.haveAll).Msg("history fetched")

	slices.Reverse(got)
	e.deliverBatch(rs, got)
	e.refreshUnread(rs)
}

// reloadHistory drops the cached history; subscribers must load again.
func (e *Engine) reloadHistory(rs *roomSession) {
	h := rs.hist
	h.cancelFetch(e, rs, false)
	if err := e.store.ClearHistory(e.ctx, h.roomID); err != nil {
		rs.log.Error().Err(err).Msg("clear history")
	}
	h.ram = nil
	h.ramLow = 0
	h.empty = true
	h.lowest, h.highest = store.IdxInvalid, store.IdxInvalid
	h.lowestID, h.highestID = "", ""
	h.byID = make(map[string]*store.Message)
	for temp, m := range h.byTemp {
		if m.ID != "" {
			delete(h.byTemp, temp)
		}
	}
	h.cursor = store.IdxInvalid
	h.haveAll = false
	h.lastSeenID, h.lastSeenIdx, h.seenPending = "", store.IdxInvalid, false
	h.lastRecvID, h.lastRecvIdx = "", store.IdxInvalid
	rs.log.Info().Msg("history reloaded")

	e.emitRoom(rs, Event{Kind: EventHistoryReloaded})
	e.refreshUnread(rs)
}

// onNewMsg handles a live message from the server.
func (e *Engine) onNewMsg(rs *roomSession, f proto.Frame) {
	h := rs.hist
	var md proto.MessageData
	if err := f.Decode(&md); err != nil || md.ID == "" {
		rs.log.Warn().Err(err).Msg("bad newmsg")
		return
	}
	if md.TempID != "" && md.User == e.userID {
		if _, ok := h.findSending(store.SendOpNew, md.TempID, ""); ok {
			e.confirmSent(rs, md.TempID, md.ID, md.TS)
			return
		}
	}
	if h.find(e, md.ID) != nil {
		return
	}

	m := messageFromData(md, h.roomID)
	if m.Type == store.MessageTypeTruncate {
		e.reloadHistory(rs)
	}
	h.appendConfirmed(e, m)
	h.deriveStatus(m, e.userID)
	e.emitRoom(rs, Event{Kind: EventMessageReceived, Message: m.Clone()})

	if m.Type == store.MessageTypeRevokeAttachment {
		e.applyRevoke(rs, m)
	}
	if m.UserID == e.userID || m.Type.IsManagement() {
		return
	}
	e.refreshUnread(rs)
	if !rs.room.IsGroup() {
		e.sendChat(proto.MustFrame(proto.TypeReceived, h.roomID, proto.PointerData{ID: m.ID}))
	}
	if len(rs.subs) == 0 {
		e.emitGlobal(Event{Kind: EventNotification, RoomID: h.roomID, Notification: NotifyMessage, Message: m.Clone()})
	}
}

// applyRevoke marks the attachment named by a revoke message as deleted.
func (e *Engine) applyRevoke(rs *roomSession, revoke *store.Message) {
	target := rs.hist.find(e, revoke.Content)
	if target == nil || target.Type != store.MessageTypeNodeAttachment || target.UserID != revoke.UserID || target.Deleted {
		return
	}
	target.Deleted = true
	target.Content = ""
	rs.hist.persist(e, target, e.store.UpdateMessage)
	e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: target.Clone()})
}

func messageFromData(md proto.MessageData, roomID string) *store.Message {
	m := &store.Message{
		ID:        md.ID,
		TempID:    md.TempID,
		RoomID:    roomID,
		UserID:    md.User,
		Type:      store.MessageType(md.Type),
		Content:   md.Content,
		CreatedAt: time.UnixMilli(md.TS),
		Deleted:   md.Deleted,
		Idx:       store.IdxInvalid,
	}
	if m.Type == 0 {
		m.Type = store.MessageTypeNormal
	}
	if md.Edited != 0 {
		t := time.UnixMilli(md.Edited)
		m.EditedAt = &t
	}
	return m
}

func (e *Engine) refreshUnread(rs *roomSession) {
	n, err := e.store.CountUnread(e.ctx, rs.room.ID, e.userID, rs.hist.lastSeenIdx)
	if err != nil {
		rs.log.Error().Err(err).Msg("count unread")
		return
	}
	if n != rs.room.UnreadCount {
		rs.room.UnreadCount = n
		e.emitRoomUpdated(rs)
	}
}

// GetMessage looks a message up by temporary or definitive id in the
// loaded history, falling back to the cache.
func (e *Engine) GetMessage(ctx context.Context, roomID, id string) (*store.Message, error) {
	var out *store.Message
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		m := rs.hist.lookup(e, id)
		if m == nil {
			return coreErrorf(ErrCodeNotFound, "unknown message %q", id)
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

// lookup resolves a temporary id first, then a definitive one.
func (h *history) lookup(e *Engine, id string) *store.Message {
	if m, ok := h.byTemp[id]; ok {
		return m
	}
	return h.find(e, id)
}

// RetireTempID forgets the temporary id of a confirmed message.
func (e *Engine) RetireTempID(ctx context.Context, roomID, tempID string) error {
	return e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		m, ok := rs.hist.byTemp[tempID]
		if !ok {
			return coreErrorf(ErrCodeNotFound, "unknown temporary id %q", tempID)
		}
		if m.ID == "" {
			return coreError(ErrCodeInvalidArgument, "message not confirmed yet")
		}
		delete(rs.hist.byTemp, tempID)
		return nil
	})
}

// SetSeen moves the room's last-seen pointer to a message of another user.
// The pointer only moves forward.
func (e *Engine) SetSeen(ctx context.Context, roomID, msgID string) error {
	return e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		h := rs.hist
		m := h.lookup(e, msgID)
		switch {
		case m == nil:
			return coreErrorf(ErrCodeNotFound, "unknown message %q", msgID)
		case m.ID == "" || m.UserID == e.userID:
			return coreError(ErrCodeInvalidArgument, "cannot mark an own message seen")
		case h.lastSeenIdx != store.IdxInvalid && m.Idx <= h.lastSeenIdx:
			return coreError(ErrCodeInvalidArgument, "seen pointer only moves forward")
		}
		e.moveSeen(rs, m)
		if rs.online() {
			e.sendChat(proto.MustFrame(proto.TypeSeen, roomID, proto.PointerData{ID: m.ID}))
		} else {
			h.seenPending = true
		}
		return nil
	})
}

// LastSeen returns the id of the last seen message, empty if none.
func (e *Engine) LastSeen(ctx context.Context, roomID string) (string, error) {
	var id string
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		id = rs.hist.lastSeenID
		return nil
	})
	return id, err
}

func (e *Engine) moveSeen(rs *roomSession, m *store.Message) {
	h := rs.hist
	old := h.lastSeenIdx
	h.lastSeenIdx, h.lastSeenID = m.Idx, m.ID
	if err := e.store.SetLastSeen(e.ctx, h.roomID, m.ID); err != nil {
		rs.log.Error().Err(err).Msg("store seen pointer")
	}
	for _, rm := range h.ram {
		if rm.UserID == e.userID || rm.Idx > m.Idx || (old != store.IdxInvalid && rm.Idx <= old) {
			continue
		}
		if rm.Status != store.StatusSeen {
			rm.Status = store.StatusSeen
			h.persist(e, rm, e.store.UpdateMessage)
			e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: rm.Clone()})
		}
	}
	e.refreshUnread(rs)
}

// onRemoteSeen handles a seen pointer set from another device. An older
// pointer from the server gets the local one pushed back.
func (e *Engine) onRemoteSeen(rs *roomSession, id string) {
	h := rs.hist
	if id == "" || id == h.lastSeenID {
		return
	}
	m := h.find(e, id)
	if m == nil {
		if h.lastSeenID == "" {
			h.lastSeenID = id
			if err := e.store.SetLastSeen(e.ctx, h.roomID, id); err != nil {
				rs.log.Error().Err(err).Msg("store seen pointer")
			}
		}
		return
	}
	switch {
	case h.lastSeenIdx == store.IdxInvalid || m.Idx > h.lastSeenIdx:
		e.moveSeen(rs, m)
	case m.Idx < h.lastSeenIdx && rs.online():
		e.sendChat(proto.MustFrame(proto.TypeSeen, h.roomID, proto.PointerData{ID: h.lastSeenID}))
	}
}

// onRemoteReceived marks own messages up to id as delivered.
func (e *Engine) onRemoteReceived(rs *roomSession, id string) {
	h := rs.hist
	m := h.find(e, id)
	if m == nil || (h.lastRecvIdx != store.IdxInvalid && m.Idx <= h.lastRecvIdx) {
		return
	}
	h.lastRecvIdx, h.lastRecvID = m.Idx, m.ID
	if err := e.store.SetLastReceived(e.ctx, h.roomID, m.ID); err != nil {
		rs.log.Error().Err(err).Msg("store received pointer")
	}
	for _, rm := range h.ram {
		if rm.UserID != e.userID || rm.Idx > m.Idx || rm.Status != store.StatusServerReceived {
			continue
		}
		rm.Status = store.StatusDelivered
		h.persist(e, rm, e.store.UpdateMessage)
		e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: rm.Clone()})
	}
}

// AddReaction adds the own reaction to a confirmed message.
func (e *Engine) AddReaction(ctx context.Context, roomID, msgID, reaction string) error {
	return e.react(ctx, roomID, msgID, reaction, true)
}

// RemoveReaction removes the own reaction from a confirmed message.
func (e *Engine) RemoveReaction(ctx context.Context, roomID, msgID, reaction string) error {
	return e.react(ctx, roomID, msgID, reaction, false)
}

func (e *Engine) react(ctx context.Context, roomID, msgID, reaction string, add bool) error {
	return e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		if reaction == "" {
			return coreError(ErrCodeInvalidArgument, "empty reaction")
		}
		if !rs.canWrite() {
			return coreError(ErrCodeAccessDenied, "read-only member")
		}
		m := rs.hist.find(e, msgID)
		if m == nil {
			return coreErrorf(ErrCodeNotFound, "unknown message %q", msgID)
		}
		if m.Type.IsManagement() || m.Deleted {
			return coreError(ErrCodeInvalidArgument, "message cannot take reactions")
		}
		if !rs.online() {
			return coreError(ErrCodeTransientNetwork, "room offline")
		}
		if applyReaction(m, e.userID, reaction, add) {
			rs.hist.persist(e, m, e.store.UpdateMessage)
			e.emitRoom(rs, Event{Kind: EventReactionUpdated, UserID: e.userID, Reaction: reaction, Message: m.Clone()})
		}
		e.sendChat(proto.MustFrame(proto.TypeReaction, roomID, proto.ReactionData{ID: msgID, Reaction: reaction, Add: add}))
		return nil
	})
}

func (e *Engine) onReaction(rs *roomSession, f proto.Frame) {
	var rd proto.ReactionData
	if err := f.Decode(&rd); err != nil || rd.User == "" || rd.Reaction == "" {
		rs.log.Warn().Err(err).Msg("bad reaction")
		return
	}
	m := rs.hist.find(e, rd.ID)
	if m == nil {
		return
	}
	if applyReaction(m, rd.User, rd.Reaction, rd.Add) {
		rs.hist.persist(e, m, e.store.UpdateMessage)
		e.emitRoom(rs, Event{Kind: EventReactionUpdated, UserID: rd.User, Reaction: rd.Reaction, Message: m.Clone()})
	}
}

// applyReaction reports whether the reaction set changed.
func applyReaction(m *store.Message, user, reaction string, add bool) bool {
	users := m.Reactions[reaction]
	i := slices.Index(users, user)
	switch {
	case add && i < 0:
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[reaction] = append(users, user)
	case !add && i >= 0:
		users = slices.Delete(users, i, i+1)
		if len(users) == 0 {
			delete(m.Reactions, reaction)
		} else {
			m.Reactions[reaction] = users
		}
	default:
		return false
	}
	return true
}
