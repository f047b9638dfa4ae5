package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// confirmed sends content and waits for the server to confirm it.
func confirmed(t *testing.T, h *harness, room *core.Subscription, roomID, content string) *store.Message {
	t.Helper()
	msg, err := h.eng.SendMessage(h.ctx, roomID, content)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.TempID == msg.TempID && ev.Message.ID != ""
	})
	return ev.Message
}

func TestConfirmationOrderAssignsIndexes(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	h.srv.HoldAcks(true)

	a, err := h.eng.SendMessage(h.ctx, "r1", "first")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	b, err := h.eng.SendMessage(h.ctx, "r1", "second")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if a.TempID == b.TempID || a.Status != store.StatusSending {
		t.Fatalf("unexpected optimistic messages %+v %+v", a, b)
	}
	if held := h.srv.WaitFrames(proto.TypeNewMsg, 2, waitTimeout); len(held) != 2 {
		t.Fatalf("expected 2 newmsg frames, got %d", len(held))
	}

	pending, err := h.eng.PendingMessages(h.ctx, "r1")
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending messages, got %d, %v", len(pending), err)
	}

	h.srv.Confirm(b.TempID)
	h.srv.Confirm(a.TempID)
	first := mustEvent(t, room, core.EventMessageUpdated).Message
	second := mustEvent(t, room, core.EventMessageUpdated).Message
	if first.TempID != b.TempID || second.TempID != a.TempID {
		t.Fatalf("confirmations out of order: %s, %s", first.TempID, second.TempID)
	}
	if first.Idx >= second.Idx {
		t.Fatalf("expected idx of the first confirmed below the second: %d, %d", first.Idx, second.Idx)
	}
	if first.Status != store.StatusServerReceived {
		t.Fatalf("unexpected status %s", first.Status)
	}

	if pending, _ := h.eng.PendingMessages(h.ctx, "r1"); len(pending) != 0 {
		t.Fatalf("expected empty queue, got %d", len(pending))
	}
	// Still addressable by the temporary id until retired.
	got, err := h.eng.GetMessage(h.ctx, "r1", a.TempID)
	if err != nil || got.ID != second.ID {
		t.Fatalf("GetMessage by temp id: %+v, %v", got, err)
	}
	if err := h.eng.RetireTempID(h.ctx, "r1", a.TempID); err != nil {
		t.Fatalf("RetireTempID failed: %v", err)
	}
	mustCode(t, h.eng.RetireTempID(h.ctx, "r1", a.TempID), core.ErrCodeNotFound)
}

func TestRetireUnconfirmedTempID(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	h.srv.HoldAcks(true)

	msg, err := h.eng.SendMessage(h.ctx, "r1", "hold on")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	mustCode(t, h.eng.RetireTempID(h.ctx, "r1", msg.TempID), core.ErrCodeInvalidArgument)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.srv.AddRoom(proto.RoomData{
		ID:      "r2",
		Group:   true,
		Title:   "announcements",
		Members: []proto.MemberData{{User: "alice", Priv: 0}, {User: "bob", Priv: 3}},
		OwnPriv: int(store.PrivReadOnly),
	})
	h.connect(t, "r1", "r2")

	_, err := h.eng.SendMessage(h.ctx, "r1", "")
	mustCode(t, err, core.ErrCodeInvalidArgument)
	_, err = h.eng.SendMessage(h.ctx, "nope", "hi")
	mustCode(t, err, core.ErrCodeNotFound)
	_, err = h.eng.SendMessage(h.ctx, "r2", "hi")
	mustCode(t, err, core.ErrCodeAccessDenied)
	_, err = h.eng.AttachContacts(h.ctx, "r1", nil)
	mustCode(t, err, core.ErrCodeInvalidArgument)
}

func TestRejectedMessageMovesToManualList(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	h.srv.RejectNew(func(md proto.MessageData) string {
		if md.Content == "spam" {
			return "blocked"
		}
		return ""
	})

	msg, err := h.eng.SendMessage(h.ctx, "r1", "spam")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool { return ev.Err != nil })
	if !errors.Is(ev.Err, core.ErrRejected) {
		t.Fatalf("expected rejection, got %v", ev.Err)
	}
	if ev.Message.Status != store.StatusSendingManual || ev.Message.ManualReason != store.ManualReasonRejected {
		t.Fatalf("unexpected rejected message %+v", ev.Message)
	}

	pending, _ := h.eng.PendingMessages(h.ctx, "r1")
	if len(pending) != 1 || pending[0].TempID != msg.TempID {
		t.Fatalf("expected the message on the manual list, got %+v", pending)
	}
	items, err := h.store.ListSending(h.ctx, "r1")
	if err != nil || len(items) != 1 || items[0].ManualReason != store.ManualReasonRejected {
		t.Fatalf("manual flag not persisted: %+v, %v", items, err)
	}

	if err := h.eng.RemoveUnsentMessage(h.ctx, "r1", msg.TempID); err != nil {
		t.Fatalf("RemoveUnsentMessage failed: %v", err)
	}
	mustCode(t, h.eng.RemoveUnsentMessage(h.ctx, "r1", msg.TempID), core.ErrCodeNotFound)
	if pending, _ := h.eng.PendingMessages(h.ctx, "r1"); len(pending) != 0 {
		t.Fatalf("expected no pending messages, got %d", len(pending))
	}
}

func TestResendUnsentMessage(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	h.srv.RejectNew(func(proto.MessageData) string { return "slow down" })

	msg, err := h.eng.SendMessage(h.ctx, "r1", "retry me")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool { return ev.Err != nil })

	h.srv.RejectNew(nil)
	resent, err := h.eng.ResendUnsentMessage(h.ctx, "r1", msg.TempID)
	if err != nil {
		t.Fatalf("ResendUnsentMessage failed: %v", err)
	}
	if resent.Status != store.StatusSending || resent.ManualReason != 0 {
		t.Fatalf("unexpected resent message %+v", resent)
	}
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool { return ev.Message.ID != "" })
	if ev.Message.TempID != msg.TempID || ev.Message.Content != "retry me" {
		t.Fatalf("unexpected confirmation %+v", ev.Message)
	}
	_, err = h.eng.ResendUnsentMessage(h.ctx, "r1", msg.TempID)
	mustCode(t, err, core.ErrCodeNotFound)
}

func TestQueuedTooLongNeedsManualResend(t *testing.T) {
	h := newHarness(t, func(c *core.Config) { c.AutosendMaxAge = time.Minute })
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	if err := h.eng.Disconnect(h.ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	msg, err := h.eng.SendMessage(h.ctx, "r1", "late")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	h.clock.Add(2 * time.Minute)

	if err := h.eng.Connect(h.ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.TempID == msg.TempID
	})
	if ev.Message.Status != store.StatusSendingManual || ev.Message.ManualReason != store.ManualReasonTooOld {
		t.Fatalf("expected a too-old manual message, got %+v", ev.Message)
	}
	if n := len(h.srv.Frames(proto.TypeNewMsg)); n != 0 {
		t.Fatalf("stale message was sent automatically (%d frames)", n)
	}
}

func TestEditWindowBoundary(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	m := confirmed(t, h, room, "r1", "hello")

	h.clock.Add(time.Hour - time.Millisecond)
	edited, err := h.eng.EditMessage(h.ctx, "r1", m.ID, "hello there")
	if err != nil {
		t.Fatalf("EditMessage inside the window failed: %v", err)
	}
	if edited.Content != "hello there" || edited.EditedAt == nil {
		t.Fatalf("edit not applied optimistically: %+v", edited)
	}
	h.srv.WaitFrames(proto.TypeMsgUpd, 1, waitTimeout)
	mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.ID == m.ID && ev.Message.Content == "hello there"
	})

	h.clock.Add(time.Millisecond)
	_, err = h.eng.EditMessage(h.ctx, "r1", m.ID, "too late")
	mustCode(t, err, core.ErrCodeTooOld)
	_, err = h.eng.DeleteMessage(h.ctx, "r1", m.ID)
	mustCode(t, err, core.ErrCodeTooOld)

	msgs := h.srv.Messages("r1")
	if got := msgs[len(msgs)-1].Content; got != "hello there" {
		t.Fatalf("server holds %q", got)
	}
}

func TestEditValidation(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	theirs := h.srv.PushMessage("r1", "bob", "from bob")
	mustEvent(t, room, core.EventMessageReceived)
	_, err := h.eng.EditMessage(h.ctx, "r1", theirs.ID, "mine now")
	mustCode(t, err, core.ErrCodeAccessDenied)
	_, err = h.eng.EditMessage(h.ctx, "r1", "missing", "x")
	mustCode(t, err, core.ErrCodeNotFound)

	m := confirmed(t, h, room, "r1", "text")
	_, err = h.eng.EditMessage(h.ctx, "r1", m.ID, "")
	mustCode(t, err, core.ErrCodeInvalidArgument)
	_, err = h.eng.RevokeAttachment(h.ctx, "r1", m.ID)
	mustCode(t, err, core.ErrCodeInvalidArgument)
}

func TestRejectedEditRollsBack(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	m := confirmed(t, h, room, "r1", "original")

	h.srv.RejectEdits(true)
	edited, err := h.eng.EditMessage(h.ctx, "r1", m.ID, "changed")
	if err != nil || edited.Content != "changed" {
		t.Fatalf("EditMessage: %+v, %v", edited, err)
	}
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool { return ev.Err != nil })
	if ev.Message.Content != "original" || ev.Message.Status != store.StatusServerRejected {
		t.Fatalf("edit not rolled back: %+v", ev.Message)
	}
	got, err := h.eng.GetMessage(h.ctx, "r1", m.ID)
	if err != nil || got.Content != "original" || got.EditedAt != nil {
		t.Fatalf("GetMessage after rollback: %+v, %v", got, err)
	}
}

func TestEditBeforeConfirmationIsHeld(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	h.srv.HoldAcks(true)

	msg, err := h.eng.SendMessage(h.ctx, "r1", "draft")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	h.srv.WaitFrames(proto.TypeNewMsg, 1, waitTimeout)
	if _, err := h.eng.EditMessage(h.ctx, "r1", msg.TempID, "final"); err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}
	if n := len(h.srv.Frames(proto.TypeMsgUpd)); n != 0 {
		t.Fatalf("edit sent before the confirmation (%d frames)", n)
	}

	h.srv.Confirm(msg.TempID)
	h.srv.WaitFrames(proto.TypeMsgUpd, 1, waitTimeout)
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.ID != "" && ev.Message.Content == "final"
	})

	msgs := h.srv.Messages("r1")
	if got := msgs[len(msgs)-1]; got.ID != ev.Message.ID || got.Content != "final" {
		t.Fatalf("server holds %+v", got)
	}
}

func TestSecondEditReplacesPendingOne(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	msg := confirmed(t, h, room, "r1", "orig")
	h.srv.HoldEdits(true)

	if err := h.eng.Disconnect(h.ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	for _, content := range []string{"first", "second"} {
		if _, err := h.eng.EditMessage(h.ctx, "r1", msg.ID, content); err != nil {
			t.Fatalf("EditMessage(%q) failed: %v", content, err)
		}
	}
	if err := h.eng.Connect(h.ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.waitOnline(t, "r1")

	frames := h.srv.WaitFrames(proto.TypeMsgUpd, 1, waitTimeout)
	var md proto.MessageData
	if len(frames) != 1 || frames[0].Decode(&md) != nil || md.ID != msg.ID || md.Content != "second" {
		t.Fatalf("unexpected msgupd frames %+v", frames)
	}

	// An echo of the discarded edit must not win over the pending one.
	h.srv.Push(proto.MustFrame(proto.TypeMsgUpd, "r1", proto.MessageData{
		ID: msg.ID, User: "alice", Type: 1, Content: "first", Edited: h.clock.Now().UnixMilli(),
	}))
	h.srv.PushMessage("r1", "bob", "ping")
	mustEventWhere(t, room, core.EventMessageReceived, func(ev core.Event) bool {
		return ev.Message.Content == "ping"
	})
	got, err := h.eng.GetMessage(h.ctx, "r1", msg.ID)
	if err != nil || got.Content != "second" {
		t.Fatalf("GetMessage after stale echo: %+v, %v", got, err)
	}

	h.srv.Push(proto.MustFrame(proto.TypeMsgUpd, "r1", proto.MessageData{
		ID: msg.ID, User: "alice", Type: 1, Content: "second", Edited: h.clock.Now().UnixMilli(),
	}))
	mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.ID == msg.ID && ev.Message.Content == "second"
	})
	if n := len(h.srv.Frames(proto.TypeMsgUpd)); n != 1 {
		t.Fatalf("expected exactly one msgupd, got %d", n)
	}
}

func TestConfirmationOfDeliveredMessageSharesEntry(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")
	h.srv.HoldAcks(true)

	msg, err := h.eng.SendMessage(h.ctx, "r1", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	h.srv.WaitFrames(proto.TypeNewMsg, 1, waitTimeout)

	// The message arrives under its definitive id before the confirmation.
	h.srv.Push(proto.MustFrame(proto.TypeNewMsg, "r1", proto.MessageData{
		ID: "m-echo", User: "alice", Type: 1, Content: "hello", TS: h.clock.Now().UnixMilli(),
	}))
	mustEventWhere(t, room, core.EventMessageReceived, func(ev core.Event) bool {
		return ev.Message.ID == "m-echo"
	})
	h.srv.Push(proto.MustFrame(proto.TypeNewMsgID, "r1", proto.NewMsgIDData{TempID: msg.TempID, ID: "m-echo"}))
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.TempID == msg.TempID && ev.Message.ID == "m-echo"
	})

	byTemp, err := h.eng.GetMessage(h.ctx, "r1", msg.TempID)
	if err != nil {
		t.Fatalf("GetMessage by temp id failed: %v", err)
	}
	byID, err := h.eng.GetMessage(h.ctx, "r1", "m-echo")
	if err != nil {
		t.Fatalf("GetMessage by id failed: %v", err)
	}
	if byTemp.Idx == store.IdxInvalid || byTemp.Idx != byID.Idx || ev.Message.Idx != byID.Idx {
		t.Fatalf("temp id resolves to a different entry: temp=%+v id=%+v event=%+v", byTemp, byID, ev.Message)
	}
	if byTemp.Content != byID.Content || byTemp.Status != byID.Status {
		t.Fatalf("entries differ: temp=%+v id=%+v", byTemp, byID)
	}
	if pending, _ := h.eng.PendingMessages(h.ctx, "r1"); len(pending) != 0 {
		t.Fatalf("expected empty queue, got %d", len(pending))
	}
}

func TestDeleteUnsentMessageWithdrawsIt(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	if err := h.eng.Disconnect(h.ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	msg, err := h.eng.SendMessage(h.ctx, "r1", "never mind")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	deleted, err := h.eng.DeleteMessage(h.ctx, "r1", msg.TempID)
	if err != nil || !deleted.Deleted {
		t.Fatalf("DeleteMessage: %+v, %v", deleted, err)
	}
	if pending, _ := h.eng.PendingMessages(h.ctx, "r1"); len(pending) != 0 {
		t.Fatalf("expected the queue to be empty, got %d", len(pending))
	}
	_, err = h.eng.GetMessage(h.ctx, "r1", msg.TempID)
	mustCode(t, err, core.ErrCodeNotFound)
}

func TestRevokeAttachment(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	att, err := h.eng.AttachNode(h.ctx, "r1", "node-42")
	if err != nil {
		t.Fatalf("AttachNode failed: %v", err)
	}
	ev := mustEventWhere(t, room, core.EventMessageUpdated, func(ev core.Event) bool {
		return ev.Message.TempID == att.TempID && ev.Message.ID != ""
	})
	if ev.Message.Type != store.MessageTypeNodeAttachment {
		t.Fatalf("unexpected type %d", ev.Message.Type)
	}

	revoked, err := h.eng.RevokeAttachment(h.ctx, "r1", ev.Message.ID)
	if err != nil || !revoked.Deleted {
		t.Fatalf("RevokeAttachment: %+v, %v", revoked, err)
	}
	frames := h.srv.WaitFrames(proto.TypeMsgUpd, 1, waitTimeout)
	var md proto.MessageData
	if err := frames[0].Decode(&md); err != nil || !md.Deleted || md.ID != ev.Message.ID {
		t.Fatalf("unexpected msgupd %+v, %v", md, err)
	}
}
