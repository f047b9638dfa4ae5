package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// seedCache stores a session with room r1 holding the newest n messages
// the server has for it.
func seedCache(t *testing.T, h *harness, server []proto.MessageData, n int) {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	if err := h.store.SaveSession(ctx, &store.Session{ID: "sess-alice", UserID: "alice", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	room := &store.Room{
		ID:        "r1",
		Type:      store.RoomTypeGroup,
		Title:     "general",
		Members:   map[string]store.Priv{"bob": store.PrivStandard},
		OwnPriv:   store.PrivModerator,
		CreatedAt: time.UnixMilli(1_700_000_000_000),
	}
	if err := h.store.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom failed: %v", err)
	}
	cached := server[len(server)-n:]
	for i, md := range cached {
		msg := &store.Message{
			ID:        md.ID,
			RoomID:    "r1",
			UserID:    md.User,
			Idx:       int64(i),
			Type:      store.MessageType(md.Type),
			Content:   md.Content,
			CreatedAt: time.UnixMilli(md.TS),
			Status:    store.StatusNotSeen,
		}
		if err := h.store.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}
}

func TestLoadMessagesLocalThenRemote(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	server := h.srv.AddHistory("r1", "bob", 60)
	seedCache(t, h, server, 30)

	state, err := h.eng.Init(h.ctx, "sess-alice")
	if err != nil || state != core.InitOfflineSession {
		t.Fatalf("Init: state %s, err %v", state, err)
	}
	room := h.openRoom(t, "r1")

	src, err := h.eng.LoadMessages(h.ctx, "r1", 50)
	if err != nil || src != core.SourceLocal {
		t.Fatalf("first load: source %s, err %v", src, err)
	}
	local := collectBatch(t, room)
	if len(local) != 30 {
		t.Fatalf("expected 30 cached messages, got %d", len(local))
	}
	if local[0].ID != server[30].ID || local[29].ID != server[59].ID {
		t.Fatalf("unexpected batch bounds %s..%s", local[0].ID, local[29].ID)
	}

	// Cache exhausted and offline.
	src, err = h.eng.LoadMessages(h.ctx, "r1", 20)
	if src != core.SourceNone {
		t.Fatalf("expected no source while offline, got %s", src)
	}
	mustCode(t, err, core.ErrCodeTransientNetwork)

	if err := h.eng.Connect(h.ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.waitOnline(t, "r1")

	src, err = h.eng.LoadMessages(h.ctx, "r1", 20)
	if err != nil || src != core.SourceRemote {
		t.Fatalf("second load: source %s, err %v", src, err)
	}
	remote := collectBatch(t, room)
	if len(remote) != 20 {
		t.Fatalf("expected 20 fetched messages, got %d", len(remote))
	}
	for i, m := range remote {
		if m.ID != server[10+i].ID {
			t.Fatalf("message %d: expected %s, got %s", i, server[10+i].ID, m.ID)
		}
		if i > 0 && (m.CreatedAt.Before(remote[i-1].CreatedAt) || m.Idx <= remote[i-1].Idx) {
			t.Fatalf("batch not in chronological order at %d", i)
		}
	}

	hist := h.srv.Frames(proto.TypeHist)
	var hd proto.HistData
	if err := hist[0].Decode(&hd); err != nil || hd.Before != server[30].ID || hd.Count != 20 {
		t.Fatalf("unexpected hist request %+v, %v", hd, err)
	}
}

func TestLoadMessagesReachesBeginning(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.srv.AddHistory("r1", "bob", 5)
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	src, err := h.eng.LoadMessages(h.ctx, "r1", 10)
	if err != nil || src != core.SourceRemote {
		t.Fatalf("load: source %s, err %v", src, err)
	}
	if got := collectBatch(t, room); len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}

	// The whole history is cached now.
	src, err = h.eng.LoadMessages(h.ctx, "r1", 10)
	if err != nil || src != core.SourceNone {
		t.Fatalf("after the beginning: source %s, err %v", src, err)
	}
	if got := collectBatch(t, room); len(got) != 0 {
		t.Fatalf("expected an empty batch, got %d", len(got))
	}
}

func TestClosingLastViewResetsCursor(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.srv.AddHistory("r1", "bob", 4)
	h.connect(t, "r1")

	room := h.openRoom(t, "r1")
	if _, err := h.eng.LoadMessages(h.ctx, "r1", 10); err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	collectBatch(t, room)
	if err := h.eng.CloseRoom(room.Token()); err != nil {
		t.Fatalf("CloseRoom failed: %v", err)
	}

	room = h.openRoom(t, "r1")
	src, err := h.eng.LoadMessages(h.ctx, "r1", 10)
	if err != nil || src != core.SourceLocal {
		t.Fatalf("reopened load: source %s, err %v", src, err)
	}
	if got := collectBatch(t, room); len(got) != 4 {
		t.Fatalf("expected the 4 cached messages again, got %d", len(got))
	}
}

func TestLiveMessagesAndSeenPointer(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	var pushed []proto.MessageData
	for _, text := range []string{"one", "two", "three"} {
		pushed = append(pushed, h.srv.PushMessage("r1", "bob", text))
		ev := mustEvent(t, room, core.EventMessageReceived)
		if ev.Message.Content != text || ev.Message.Status != store.StatusNotSeen {
			t.Fatalf("unexpected live message %+v", ev.Message)
		}
	}
	mustEventWhere(t, room, core.EventRoomUpdated, func(ev core.Event) bool {
		return ev.Room.UnreadCount == 3
	})

	if err := h.eng.SetSeen(h.ctx, "r1", pushed[1].ID); err != nil {
		t.Fatalf("SetSeen failed: %v", err)
	}
	mustCode(t, h.eng.SetSeen(h.ctx, "r1", pushed[0].ID), core.ErrCodeInvalidArgument)
	mustCode(t, h.eng.SetSeen(h.ctx, "r1", pushed[1].ID), core.ErrCodeInvalidArgument)
	mustCode(t, h.eng.SetSeen(h.ctx, "r1", "missing"), core.ErrCodeNotFound)

	r, err := h.eng.Room(h.ctx, "r1")
	if err != nil || r.UnreadCount != 1 {
		t.Fatalf("expected one unread message, got %+v, %v", r, err)
	}
	if seen, _ := h.eng.LastSeen(h.ctx, "r1"); seen != pushed[1].ID {
		t.Fatalf("unexpected last seen %q", seen)
	}
	h.srv.WaitFrames(proto.TypeSeen, 1, waitTimeout)
	if got := h.srv.LastSeen("r1"); got != pushed[1].ID {
		t.Fatalf("server got seen pointer %q", got)
	}

	// An older pointer from another device is answered with ours.
	h.srv.Push(proto.MustFrame(proto.TypeSeen, "r1", proto.PointerData{ID: pushed[0].ID}))
	frames := h.srv.WaitFrames(proto.TypeSeen, 2, waitTimeout)
	if len(frames) != 2 {
		t.Fatalf("expected the local pointer to be pushed back, got %d seen frames", len(frames))
	}

	// A newer one is adopted.
	h.srv.Push(proto.MustFrame(proto.TypeSeen, "r1", proto.PointerData{ID: pushed[2].ID}))
	mustEventWhere(t, room, core.EventRoomUpdated, func(ev core.Event) bool {
		return ev.Room.UnreadCount == 0
	})
}

func TestOwnMessageCannotBeSeen(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	msg, err := h.eng.SendMessage(h.ctx, "r1", "mine")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ev := mustEvent(t, room, core.EventMessageUpdated)
	mustCode(t, h.eng.SetSeen(h.ctx, "r1", ev.Message.ID), core.ErrCodeInvalidArgument)
	mustCode(t, h.eng.SetSeen(h.ctx, "r1", msg.TempID), core.ErrCodeInvalidArgument)
}

func TestHistoryReload(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.srv.AddHistory("r1", "bob", 3)
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	if _, err := h.eng.LoadMessages(h.ctx, "r1", 10); err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	collectBatch(t, room)

	h.srv.Push(proto.MustFrame(proto.TypeHistoryReload, "r1", struct{}{}))
	mustEvent(t, room, core.EventHistoryReloaded)

	info, err := h.store.HistoryInfo(context.Background(), "r1")
	if err != nil || info.Count != 0 {
		t.Fatalf("cache not cleared: %+v, %v", info, err)
	}
	src, err := h.eng.LoadMessages(h.ctx, "r1", 10)
	if err != nil || src != core.SourceRemote {
		t.Fatalf("load after reload: source %s, err %v", src, err)
	}
	if got := collectBatch(t, room); len(got) != 3 {
		t.Fatalf("expected 3 refetched messages, got %d", len(got))
	}
}

func TestReactions(t *testing.T) {
	h := newHarness(t)
	h.addRoom("r1")
	h.connect(t, "r1")
	room := h.openRoom(t, "r1")

	md := h.srv.PushMessage("r1", "bob", "nice")
	mustEvent(t, room, core.EventMessageReceived)

	if err := h.eng.AddReaction(h.ctx, "r1", md.ID, "+1"); err != nil {
		t.Fatalf("AddReaction failed: %v", err)
	}
	ev := mustEvent(t, room, core.EventReactionUpdated)
	if got := ev.Message.Reactions["+1"]; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("unexpected reactions %v", ev.Message.Reactions)
	}

	h.srv.Push(proto.MustFrame(proto.TypeReaction, "r1", proto.ReactionData{ID: md.ID, User: "bob", Reaction: "+1", Add: true}))
	ev = mustEventWhere(t, room, core.EventReactionUpdated, func(ev core.Event) bool { return ev.UserID == "bob" })
	if got := ev.Message.Reactions["+1"]; len(got) != 2 {
		t.Fatalf("expected two reactions, got %v", got)
	}

	mustCode(t, h.eng.AddReaction(h.ctx, "r1", md.ID, ""), core.ErrCodeInvalidArgument)
	mustCode(t, h.eng.AddReaction(h.ctx, "r1", "missing", "+1"), core.ErrCodeNotFound)
}
