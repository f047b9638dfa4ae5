package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
	"github.com/vovakirdan/wirechat-engine/internal/utils"
)

// outbound is a queued send or edit.
type outbound struct {
	item *store.SendingItem
	sent bool // transmitted on the current link
	// sentContent is the content the server got with newmsg; later edits
	// of the unconfirmed message only live in memory until confirmed.
	sentContent string
}

// SendMessage appends a message to the room optimistically and queues it.
// The returned message carries a temporary id; EventMessageUpdated reports
// the definitive id once the server confirms.
func (e *Engine) SendMessage(ctx context.Context, roomID, content string) (*store.Message, error) {
	return e.submit(ctx, roomID, store.MessageTypeNormal, content)
}

// AttachContacts shares user contacts in the room.
func (e *Engine) AttachContacts(ctx context.Context, roomID string, userIDs []string) (*store.Message, error) {
	if len(userIDs) == 0 {
		return nil, coreError(ErrCodeInvalidArgument, "no contacts")
	}
	raw, err := json.Marshal(userIDs)
	if err != nil {
		return nil, internalError("encode contacts", err)
	}
	return e.submit(ctx, roomID, store.MessageTypeContactAttachment, string(raw))
}

// AttachNode shares a stored file node in the room.
func (e *Engine) AttachNode(ctx context.Context, roomID, nodeID string) (*store.Message, error) {
	return e.submit(ctx, roomID, store.MessageTypeNodeAttachment, nodeID)
}

func (e *Engine) submit(ctx context.Context, roomID string, typ store.MessageType, content string) (*store.Message, error) {
	var out *store.Message
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		switch {
		case e.userID == "":
			return coreError(ErrCodeInvalidArgument, "not logged in")
		case !rs.canWrite():
			return coreError(ErrCodeAccessDenied, "read-only member")
		case content == "":
			return coreError(ErrCodeInvalidArgument, "empty message")
		}

		now := e.clock.Now()
		m := &store.Message{
			TempID:    utils.NewTempID(),
			RoomID:    roomID,
			UserID:    e.userID,
			Idx:       store.IdxInvalid,
			Type:      typ,
			Content:   content,
			CreatedAt: now,
			Status:    store.StatusSending,
		}
		item := &store.SendingItem{RoomID: roomID, Op: store.SendOpNew, Msg: m, CreatedAt: now}
		if err := e.store.AddSending(e.ctx, item); err != nil {
			return internalError("queue message", err)
		}
		ob := &outbound{item: item}
		rs.hist.sending.PushBack(ob)
		rs.hist.byTemp[m.TempID] = m
		if rs.online() {
			e.transmit(rs, ob)
		}
		rs.log.Debug().Str("temp_id", m.TempID).Bool("online", rs.online()).Msg("message queued")
		out = m.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) transmit(rs *roomSession, ob *outbound) {
	it := ob.item
	var f proto.Frame
	switch it.Op {
	case store.SendOpNew:
		f = proto.MustFrame(proto.TypeNewMsg, rs.room.ID, proto.MessageData{
			TempID:  it.Msg.TempID,
			Type:    int(it.Msg.Type),
			Content: it.Msg.Content,
			TS:      it.Msg.CreatedAt.UnixMilli(),
		})
		ob.sentContent = it.Msg.Content
	case store.SendOpEdit:
		f = proto.MustFrame(proto.TypeMsgUpd, rs.room.ID, proto.MessageData{
			ID:      it.Msg.ID,
			Type:    int(it.Msg.Type),
			Content: it.Msg.Content,
			Edited:  it.CreatedAt.UnixMilli(),
			Deleted: it.Msg.Content == "",
		})
	}
	ob.sent = e.sendChat(f)
}

// findSending locates a queued item of op by temporary or definitive id.
func (h *history) findSending(op store.SendOp, tempID, msgID string) (int, bool) {
	i := h.sending.Index(func(ob *outbound) bool {
		if ob.item.Op != op {
			return false
		}
		if msgID != "" {
			return ob.item.Msg.ID == msgID
		}
		return ob.item.Msg.TempID == tempID && ob.item.Msg.ID == ""
	})
	return i, i >= 0
}

func (h *history) markUnsent() {
	for i := 0; i < h.sending.Len(); i++ {
		h.sending.At(i).sent = false
	}
}

func (h *history) findManual(tempID string) int {
	for i, ob := range h.manual {
		if ob.item.Msg.TempID == tempID {
			return i
		}
	}
	return -1
}

func (e *Engine) onNewMsgID(rs *roomSession, f proto.Frame) {
	var d proto.NewMsgIDData
	if err := f.Decode(&d); err != nil || d.TempID == "" || d.ID == "" {
		rs.log.Warn().Err(err).Msg("bad newmsgid")
		return
	}
	e.confirmSent(rs, d.TempID, d.ID, d.TS)
}

// confirmSent gives a queued message its definitive id and its place in
// the history. Edits held under the temporary id are sent now.
func (e *Engine) confirmSent(rs *roomSession, tempID, id string, ts int64) {
	h := rs.hist
	i, ok := h.findSending(store.SendOpNew, tempID, "")
	if !ok {
		rs.log.Debug().Str("temp_id", tempID).Msg("confirmation for unknown message")
		return
	}
	ob := h.sending.Remove(i)
	if err := e.store.DeleteSending(e.ctx, ob.item.RowID); err != nil {
		rs.log.Error().Err(err).Msg("dequeue message")
	}

	m := ob.item.Msg
	m.ID = id
	if ts != 0 {
		m.CreatedAt = time.UnixMilli(ts)
	}
	m.Status = store.StatusServerReceived

	var held []*outbound
	for j := 0; j < h.sending.Len(); j++ {
		eb := h.sending.At(j)
		if eb.item.Op == store.SendOpEdit && eb.item.Msg.ID == "" && eb.item.Msg.TempID == tempID {
			eb.item.Msg.ID = id
			if err := e.store.UpdateSending(e.ctx, eb.item); err != nil {
				rs.log.Error().Err(err).Msg("rekey held edit")
			}
			held = append(held, eb)
		}
	}

	if known := h.find(e, id); known == nil {
		// The database keeps what the server has; held edits are applied
		// once the server confirms them.
		edited := m.Content
		if len(held) > 0 && ob.sentContent != "" {
			m.Content = ob.sentContent
		}
		h.appendConfirmed(e, m)
		m.Content = edited
	} else {
		// Already delivered under its definitive id: the temporary id must
		// resolve to the same entry.
		if len(held) > 0 {
			known.Content = m.Content
			known.Deleted = m.Deleted
			known.EditedAt = m.EditedAt
		}
		known.TempID = tempID
		h.byTemp[tempID] = known
		m = known
	}
	rs.log.Debug().Str("temp_id", tempID).Str("msg_id", id).Int64("idx", m.Idx).Msg("message confirmed")
	e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: m.Clone()})

	if rs.online() {
		for _, eb := range held {
			e.transmit(rs, eb)
		}
	}
}

// EditMessage replaces the content of an own message within the edit
// window. The change is visible at once; a rejection restores it.
func (e *Engine) EditMessage(ctx context.Context, roomID, id, content string) (*store.Message, error) {
	if content == "" {
		return nil, coreError(ErrCodeInvalidArgument, "empty content, use DeleteMessage")
	}
	return e.edit(ctx, roomID, id, content, nil)
}

// DeleteMessage clears an own message within the edit window.
func (e *Engine) DeleteMessage(ctx context.Context, roomID, id string) (*store.Message, error) {
	return e.edit(ctx, roomID, id, "", nil)
}

// RevokeAttachment withdraws an own file attachment.
func (e *Engine) RevokeAttachment(ctx context.Context, roomID, id string) (*store.Message, error) {
	return e.edit(ctx, roomID, id, "", func(m *store.Message) error {
		if m.Type != store.MessageTypeNodeAttachment {
			return coreError(ErrCodeInvalidArgument, "not a file attachment")
		}
		return nil
	})
}

func (e *Engine) edit(ctx context.Context, roomID, id, content string, check func(*store.Message) error) (*store.Message, error) {
	var out *store.Message
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		h := rs.hist
		m := h.lookup(e, id)
		if m == nil {
			if i := h.findManual(id); i >= 0 {
				m = h.manual[i].item.Msg
			}
		}
		switch {
		case m == nil:
			return coreErrorf(ErrCodeNotFound, "unknown message %q", id)
		case m.UserID != e.userID:
			return coreError(ErrCodeAccessDenied, "not the author")
		case !rs.canWrite():
			return coreError(ErrCodeAccessDenied, "read-only member")
		case m.Type.IsManagement() || m.Deleted:
			return coreError(ErrCodeInvalidArgument, "message cannot be edited")
		}
		if check != nil {
			if err := check(m); err != nil {
				return err
			}
		}
		now := e.clock.Now()
		if !m.Editable(now, e.cfg.EditWindow) {
			return coreError(ErrCodeTooOld, "edit window has passed")
		}

		if m.ID == "" {
			out, err = e.editUnconfirmed(rs, m, content, now)
			return err
		}

		ob := e.queueEdit(rs, m, content, now)
		applyEdit(m, content, now)
		out = m.Clone()
		e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: out.Clone()})
		if rs.online() {
			e.transmit(rs, ob)
		}
		return nil
	})
	return out, err
}

// editUnconfirmed edits a message that has no definitive id yet. If it was
// not transmitted the queued content is rewritten; otherwise the edit waits
// for the confirmation.
func (e *Engine) editUnconfirmed(rs *roomSession, m *store.Message, content string, now time.Time) (*store.Message, error) {
	h := rs.hist

	var item *store.SendingItem
	if i := h.findManual(m.TempID); i >= 0 {
		item = h.manual[i].item
	} else if i, ok := h.findSending(store.SendOpNew, m.TempID, ""); ok && !h.sending.At(i).sent {
		item = h.sending.At(i).item
		if content == "" {
			h.sending.Remove(i)
		}
	}

	switch {
	case item != nil && content == "":
		// Withdrawn before the server saw it.
		if i := h.findManual(m.TempID); i >= 0 {
			h.manual = append(h.manual[:i], h.manual[i+1:]...)
		}
		if err := e.store.DeleteSending(e.ctx, item.RowID); err != nil {
			return nil, internalError("dequeue message", err)
		}
		delete(h.byTemp, m.TempID)
		applyEdit(m, "", now)
	case item != nil:
		m.Content = content
		if err := e.store.UpdateSending(e.ctx, item); err != nil {
			return nil, internalError("update queued message", err)
		}
	default:
		e.queueEdit(rs, m, content, now)
		applyEdit(m, content, now)
	}
	e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: m.Clone()})
	return m.Clone(), nil
}

func applyEdit(m *store.Message, content string, now time.Time) {
	m.Content = content
	m.Deleted = content == ""
	t := now
	m.EditedAt = &t
}

// queueEdit queues an edit of m. A pending edit of the same message is
// replaced, so only the latest one reaches the server.
func (e *Engine) queueEdit(rs *roomSession, m *store.Message, content string, now time.Time) *outbound {
	h := rs.hist
	i := h.sending.Index(func(ob *outbound) bool {
		if ob.item.Op != store.SendOpEdit {
			return false
		}
		if m.ID != "" && ob.item.Msg.ID == m.ID {
			return true
		}
		return m.TempID != "" && ob.item.Msg.TempID == m.TempID
	})
	if i >= 0 {
		ob := h.sending.At(i)
		ob.item.Msg.Content = content
		ob.item.CreatedAt = now
		ob.sent = false
		if err := e.store.UpdateSending(e.ctx, ob.item); err != nil {
			rs.log.Error().Err(err).Msg("update queued edit")
		}
		return ob
	}

	msg := &store.Message{
		ID:        m.ID,
		TempID:    m.TempID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Idx:       m.Idx,
		Type:      m.Type,
		Content:   content,
		CreatedAt: m.CreatedAt,
		Status:    store.StatusSending,
	}
	item := &store.SendingItem{RoomID: rs.room.ID, Op: store.SendOpEdit, Msg: msg, CreatedAt: now}
	if err := e.store.AddSending(e.ctx, item); err != nil {
		rs.log.Error().Err(err).Msg("queue edit")
	}
	ob := &outbound{item: item}
	h.sending.PushBack(ob)
	return ob
}

// onMsgUpd applies an edit from the server. The echo of an own edit
// confirms it; an echo that does not match the latest pending edit is
// stale and ignored.
func (e *Engine) onMsgUpd(rs *roomSession, f proto.Frame) {
	h := rs.hist
	var md proto.MessageData
	if err := f.Decode(&md); err != nil || md.ID == "" {
		rs.log.Warn().Err(err).Msg("bad msgupd")
		return
	}
	m := h.find(e, md.ID)
	if m == nil {
		return
	}
	if i, ok := h.findSending(store.SendOpEdit, "", md.ID); ok {
		ob := h.sending.At(i)
		if ob.item.Msg.Content != md.Content {
			rs.log.Debug().Str("msg_id", md.ID).Msg("stale edit echo ignored")
			return
		}
		h.sending.Remove(i)
		if err := e.store.DeleteSending(e.ctx, ob.item.RowID); err != nil {
			rs.log.Error().Err(err).Msg("dequeue edit")
		}
	}

	m.Content = md.Content
	m.Deleted = md.Deleted || md.Content == ""
	if md.Edited != 0 {
		t := time.UnixMilli(md.Edited)
		m.EditedAt = &t
	}
	h.persist(e, m, e.store.UpdateMessage)
	e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: m.Clone()})
}

// onReject handles a refused newmsg or msgupd. A refused message moves to
// the manual-send list; a refused edit is rolled back.
func (e *Engine) onReject(rs *roomSession, f proto.Frame) {
	h := rs.hist
	var rd proto.RejectData
	if err := f.Decode(&rd); err != nil {
		rs.log.Warn().Err(err).Msg("bad reject")
		return
	}
	reason := rd.Reason
	if reason == "" {
		reason = "rejected by server"
	}
	rejected := &CoreError{Code: ErrCodeRejected, Message: reason}

	switch rd.Op {
	case proto.TypeNewMsg:
		i, ok := h.findSending(store.SendOpNew, rd.TempID, "")
		if !ok {
			return
		}
		ob := h.sending.Remove(i)
		e.toManual(rs, ob, store.ManualReasonRejected)
		rs.log.Info().Str("temp_id", rd.TempID).Str("reason", reason).Msg("message rejected")
		e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: ob.item.Msg.Clone(), Err: rejected})

	case proto.TypeMsgUpd:
		i, ok := h.findSending(store.SendOpEdit, "", rd.ID)
		if !ok {
			return
		}
		ob := h.sending.Remove(i)
		if err := e.store.DeleteSending(e.ctx, ob.item.RowID); err != nil {
			rs.log.Error().Err(err).Msg("dequeue edit")
		}
		m := h.find(e, rd.ID)
		if m == nil {
			return
		}
		if stored, err := e.store.GetMessage(e.ctx, h.roomID, rd.ID); err == nil {
			m.Content = stored.Content
			m.EditedAt = stored.EditedAt
			m.Deleted = stored.Deleted
		}
		ev := m.Clone()
		ev.Status = store.StatusServerRejected
		rs.log.Info().Str("msg_id", rd.ID).Str("reason", reason).Msg("edit rejected")
		e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: ev, Err: rejected})

	default:
		rs.log.Warn().Str("op", rd.Op).Msg("reject for unknown operation")
	}
}

// toManual parks a removed queue item on the manual-send list. Edits held
// under its temporary id are already folded into its content.
func (e *Engine) toManual(rs *roomSession, ob *outbound, reason int) {
	h := rs.hist
	it := ob.item
	for j := h.sending.Len() - 1; j >= 0; j-- {
		eb := h.sending.At(j)
		if eb.item.Op == store.SendOpEdit && eb.item.Msg.ID == "" && eb.item.Msg.TempID == it.Msg.TempID {
			h.sending.Remove(j)
			if err := e.store.DeleteSending(e.ctx, eb.item.RowID); err != nil {
				rs.log.Error().Err(err).Msg("drop held edit")
			}
		}
	}
	it.ManualReason = reason
	it.Msg.ID = ""
	it.Msg.Status = store.StatusSendingManual
	it.Msg.ManualReason = reason
	ob.sent = false
	if err := e.store.UpdateSending(e.ctx, it); err != nil {
		rs.log.Error().Err(err).Msg("park message")
	}
	h.manual = append(h.manual, ob)
}

// replaySending transmits the queue after a join. Messages queued longer
// than the autosend age go to the manual-send list instead.
func (e *Engine) replaySending(rs *roomSession) {
	h := rs.hist
	now := e.clock.Now()
	for i := 0; i < h.sending.Len(); {
		ob := h.sending.At(i)
		it := ob.item
		if it.Op == store.SendOpNew && now.Sub(it.CreatedAt) > e.cfg.AutosendMaxAge {
			h.sending.Remove(i)
			e.toManual(rs, ob, store.ManualReasonTooOld)
			rs.log.Info().Str("temp_id", it.Msg.TempID).Msg("message too old to autosend")
			e.emitRoom(rs, Event{Kind: EventMessageUpdated, Message: it.Msg.Clone()})
			continue
		}
		if !ob.sent && (it.Op == store.SendOpNew || it.Msg.ID != "") {
			e.transmit(rs, ob)
		}
		i++
	}
}

// PendingMessages lists the own messages not confirmed yet, queued ones
// first, then the manual-send list.
func (e *Engine) PendingMessages(ctx context.Context, roomID string) ([]*store.Message, error) {
	var out []*store.Message
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		h := rs.hist
		for i := 0; i < h.sending.Len(); i++ {
			if it := h.sending.At(i).item; it.Op == store.SendOpNew {
				out = append(out, it.Msg.Clone())
			}
		}
		for _, ob := range h.manual {
			out = append(out, ob.item.Msg.Clone())
		}
		return nil
	})
	return out, err
}

// RemoveUnsentMessage drops a message from the manual-send list.
func (e *Engine) RemoveUnsentMessage(ctx context.Context, roomID, tempID string) error {
	return e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		h := rs.hist
		i := h.findManual(tempID)
		if i < 0 {
			return coreErrorf(ErrCodeNotFound, "no unsent message %q", tempID)
		}
		ob := h.manual[i]
		h.manual = append(h.manual[:i], h.manual[i+1:]...)
		delete(h.byTemp, tempID)
		if err := e.store.DeleteSending(e.ctx, ob.item.RowID); err != nil {
			return internalError("remove unsent message", err)
		}
		return nil
	})
}

// ResendUnsentMessage moves a message from the manual-send list back to
// the end of the queue.
func (e *Engine) ResendUnsentMessage(ctx context.Context, roomID, tempID string) (*store.Message, error) {
	var out *store.Message
	err := e.call(ctx, func() error {
		rs, err := e.lookupRoom(roomID)
		if err != nil {
			return err
		}
		h := rs.hist
		i := h.findManual(tempID)
		if i < 0 {
			return coreErrorf(ErrCodeNotFound, "no unsent message %q", tempID)
		}
		ob := h.manual[i]
		it := ob.item
		if err := e.store.DeleteSending(e.ctx, it.RowID); err != nil {
			return internalError("requeue message", err)
		}
		it.ManualReason = 0
		it.CreatedAt = e.clock.Now()
		it.Msg.Status = store.StatusSending
		it.Msg.ManualReason = 0
		if err := e.store.AddSending(e.ctx, it); err != nil {
			return internalError("requeue message", err)
		}
		h.manual = append(h.manual[:i], h.manual[i+1:]...)
		h.sending.PushBack(ob)
		if rs.online() {
			e.transmit(rs, ob)
		}
		out = it.Msg.Clone()
		return nil
	})
	return out, err
}
