package core_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/core/coretest"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
	"github.com/vovakirdan/wirechat-engine/internal/store/sqlite"
)

const waitTimeout = 2 * time.Second

type harness struct {
	ctx    context.Context
	clock  *clock.Mock
	srv    *coretest.Server
	store  *sqlite.SQLiteStore
	eng    *core.Engine
	events *core.Subscription
}

func newHarness(t *testing.T, configure ...func(*core.Config)) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	st, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := core.Config{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		MaxAttempts: 5,
		DialTimeout: time.Second,
		EditWindow:  time.Hour,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	srv := coretest.New("alice", clk)
	eng := core.New(core.Options{
		Store:    st,
		Dialer:   srv,
		Resolver: srv.Endpoints(false),
		Clock:    clk,
		Config:   cfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		st.Close()
	})

	events, err := eng.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return &harness{ctx: ctx, clock: clk, srv: srv, store: st, eng: eng, events: events}
}

// addRoom registers a group room on the server with bob as a member.
func (h *harness) addRoom(id string) {
	h.srv.AddRoom(proto.RoomData{
		ID:        id,
		Group:     true,
		Title:     "general",
		Members:   []proto.MemberData{{User: "alice", Priv: 3}, {User: "bob", Priv: 2}},
		OwnPriv:   3,
		CreatedAt: 1_700_000_000_000,
	})
}

// connect initializes a fresh session and waits until roomIDs are online.
func (h *harness) connect(t *testing.T, roomIDs ...string) {
	t.Helper()
	if _, err := h.eng.Init(h.ctx, ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := h.eng.Connect(h.ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for _, id := range roomIDs {
		h.waitOnline(t, id)
	}
}

func (h *harness) waitOnline(t *testing.T, roomID string) {
	t.Helper()
	mustEventWhere(t, h.events, core.EventChatConnectionState, func(ev core.Event) bool {
		return ev.RoomID == roomID && ev.ChatState == core.ChatOnline
	})
}

func (h *harness) openRoom(t *testing.T, roomID string) *core.Subscription {
	t.Helper()
	sub, err := h.eng.OpenRoom(h.ctx, roomID)
	if err != nil {
		t.Fatalf("OpenRoom(%s) failed: %v", roomID, err)
	}
	return sub
}

// advanceUntil moves the mock clock in steps until an event matching
// pred arrives on sub.
func (h *harness) advanceUntil(t *testing.T, sub *core.Subscription, step time.Duration, pred func(core.Event) bool) core.Event {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		h.clock.Add(step)
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed")
			}
			if pred(ev) {
				return ev
			}
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatal("expected event not received while advancing the clock")
	return core.Event{}
}

func mustEvent(t *testing.T, sub *core.Subscription, kind core.EventKind) core.Event {
	t.Helper()
	return mustEventWhere(t, sub, kind, nil)
}

func mustEventWhere(t *testing.T, sub *core.Subscription, kind core.EventKind, pred func(core.Event) bool) core.Event {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", kind)
			}
			if ev.Kind == kind && (pred == nil || pred(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("expected event %s not received", kind)
			return core.Event{}
		}
	}
}

// collectBatch reads one history batch up to its sentinel.
func collectBatch(t *testing.T, sub *core.Subscription) []*store.Message {
	t.Helper()
	var out []*store.Message
	for {
		ev := mustEvent(t, sub, core.EventMessageLoaded)
		if ev.IsBatchEnd() {
			return out
		}
		out = append(out, ev.Message)
	}
}

func mustCode(t *testing.T, err error, code string) {
	t.Helper()
	if got := core.Code(err); got != code {
		t.Fatalf("expected error code %q, got %q (%v)", code, got, err)
	}
}
