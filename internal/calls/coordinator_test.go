package calls

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

type fakeEngine struct {
	ended []string
}

func (f *fakeEngine) CreateCall(_ context.Context, call *store.Call) (string, error) {
	return "media-" + call.ID, nil
}

func (f *fakeEngine) EndCall(_ context.Context, call *store.Call) error {
	f.ended = append(f.ended, call.ID)
	return nil
}

func (f *fakeEngine) GenerateJoinInfo(_ context.Context, call *store.Call, userID string) (*callengine.JoinInfo, error) {
	return &callengine.JoinInfo{RoomName: *call.ExternalRoomID, Identity: userID, Token: "tok"}, nil
}

type signal struct {
	room string
	typ  string
	data proto.CallData
}

type recorder struct {
	signals  []signal
	changes  []*store.Call
	joins    []*callengine.JoinInfo
	sessions []string
	inCall   []bool
}

func newCoordinator(t *testing.T) (*Coordinator, *recorder, *fakeEngine) {
	t.Helper()
	rec := &recorder{}
	eng := &fakeEngine{}
	c := New(eng, clock.NewMock(), []string{"cam0", "cam1"}, Hooks{
		Signal: func(room, typ string, data proto.CallData) {
			rec.signals = append(rec.signals, signal{room, typ, data})
		},
		Changed: func(call *store.Call, join *callengine.JoinInfo) {
			rec.changes = append(rec.changes, call)
			if join != nil {
				rec.joins = append(rec.joins, join)
			}
		},
		SessionChanged: func(_ *store.Call, user string) {
			rec.sessions = append(rec.sessions, user)
		},
		InCall: func(v bool) { rec.inCall = append(rec.inCall, v) },
	}, nil)
	c.SetSelf("alice")
	return c, rec, eng
}

func (r *recorder) countStatus(status store.CallStatus) int {
	n := 0
	for _, c := range r.changes {
		if c.Status == status {
			n++
		}
	}
	return n
}

func TestOutgoingCallLifecycle(t *testing.T) {
	ctx := context.Background()
	c, rec, eng := newCoordinator(t)

	call, err := c.Start(ctx, "r1", true)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if call.Status != store.CallStatusRinging || !call.Outgoing || !call.VideoCapable {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.ExternalRoomID == nil || *call.ExternalRoomID != "media-"+call.ID {
		t.Errorf("media room not attached: %v", call.ExternalRoomID)
	}
	if len(rec.signals) != 1 || rec.signals[0].typ != proto.TypeCallStart {
		t.Fatalf("expected call_start signal, got %+v", rec.signals)
	}

	if _, err := c.Start(ctx, "r1", false); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("expected ErrCallInProgress, got %v", err)
	}
	if _, err := c.Answer(ctx, "r1", false); !errors.Is(err, ErrNotRinging) {
		t.Errorf("answering own call should fail, got %v", err)
	}

	c.OnAnswered(ctx, "r1", proto.CallData{CallID: call.ID, User: "bob"})
	got, ok := c.Get("r1")
	if !ok || got.Status != store.CallStatusInProgress {
		t.Fatalf("expected in-progress call, got %+v", got)
	}
	if got.Sessions["bob"] == nil || got.Sessions["bob"].State != store.SessionConnected {
		t.Errorf("peer session missing: %+v", got.Sessions)
	}
	if len(rec.joins) != 1 || rec.joins[0].Identity != "alice" {
		t.Errorf("expected join info for alice, got %+v", rec.joins)
	}
	if len(rec.inCall) != 1 || !rec.inCall[0] {
		t.Errorf("expected in-call notification, got %v", rec.inCall)
	}

	c.HangAll(ctx)
	if rec.countStatus(store.CallStatusEnded) != 1 {
		t.Fatalf("expected one ended event, got %d", rec.countStatus(store.CallStatusEnded))
	}
	if len(eng.ended) != 1 {
		t.Errorf("media room not released")
	}
	signals := len(rec.signals)

	c.HangAll(ctx)
	c.Hang(ctx, "r1")
	if rec.countStatus(store.CallStatusEnded) != 1 {
		t.Errorf("second hang produced another ended event")
	}
	if len(rec.signals) != signals {
		t.Errorf("second hang sent signals")
	}
	if len(c.List()) != 0 {
		t.Errorf("expected no live calls")
	}
}

func TestIncomingCallIgnoreAndAnswer(t *testing.T) {
	ctx := context.Background()
	c, rec, _ := newCoordinator(t)

	offer := proto.CallData{CallID: "c1", User: "bob", Video: true}
	call, ring := c.OnIncoming(ctx, "r1", offer)
	if !ring || call.Status != store.CallStatusRinging || call.Outgoing {
		t.Fatalf("unexpected incoming call: %+v ring=%v", call, ring)
	}

	if err := c.SetIgnored("r1"); err != nil {
		t.Fatalf("SetIgnored failed: %v", err)
	}
	if _, ring := c.OnIncoming(ctx, "r1", offer); ring {
		t.Error("ignored call should not ring again")
	}
	got, _ := c.Get("r1")
	if got.Status != store.CallStatusRinging || !got.Ignored {
		t.Errorf("ignore should keep signaling state, got %+v", got)
	}

	answered, err := c.Answer(ctx, "r1", true)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answered.Status != store.CallStatusInProgress || !answered.LocalVideo {
		t.Errorf("unexpected answered call: %+v", answered)
	}
	last := rec.signals[len(rec.signals)-1]
	if last.typ != proto.TypeCallAnswer || last.data.CallID != "c1" {
		t.Errorf("expected call_answer signal, got %+v", last)
	}

	c.OnEnded(ctx, "r1", proto.CallData{CallID: "c1"})
	if _, ok := c.Get("r1"); ok {
		t.Error("call should be gone after remote end")
	}
	ended := rec.changes[len(rec.changes)-1]
	if ended.Status != store.CallStatusEnded || ended.EndReason != ReasonRemote {
		t.Errorf("unexpected end: %+v", ended)
	}
	if rec.inCall[len(rec.inCall)-1] {
		t.Error("expected in-call cleared")
	}
}

func TestAnsweredElsewhereEndsRinging(t *testing.T) {
	ctx := context.Background()
	c, rec, _ := newCoordinator(t)

	c.OnIncoming(ctx, "r1", proto.CallData{CallID: "c1", User: "bob"})
	c.OnAnswered(ctx, "r1", proto.CallData{CallID: "c1", User: "alice"})

	if _, ok := c.Get("r1"); ok {
		t.Fatal("call answered on another device should end locally")
	}
	if rec.countStatus(store.CallStatusEnded) != 1 {
		t.Errorf("expected ended event")
	}
}

func TestAudioVideoToggles(t *testing.T) {
	ctx := context.Background()
	c, rec, _ := newCoordinator(t)

	if err := c.SetAudio("r1", false); !errors.Is(err, ErrNoCall) {
		t.Fatalf("expected ErrNoCall, got %v", err)
	}

	if _, err := c.Start(ctx, "r1", false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n := len(rec.changes)

	if err := c.SetAudio("r1", true); err != nil {
		t.Fatalf("SetAudio failed: %v", err)
	}
	if len(rec.changes) != n {
		t.Error("unchanged audio should not emit")
	}

	if err := c.SetAudio("r1", false); err != nil {
		t.Fatalf("SetAudio failed: %v", err)
	}
	if err := c.SetVideo("r1", true); err != nil {
		t.Fatalf("SetVideo failed: %v", err)
	}
	got, _ := c.Get("r1")
	if got.LocalAudio || !got.LocalVideo || !got.VideoCapable {
		t.Errorf("unexpected media flags: %+v", got)
	}
	if s := got.Sessions["alice"]; s.Audio || !s.Video {
		t.Errorf("own session not updated: %+v", s)
	}
	last := rec.signals[len(rec.signals)-1]
	if last.typ != proto.TypeCallAV || last.data.Audio || !last.data.Video {
		t.Errorf("unexpected av signal: %+v", last)
	}

	c.OnAV("r1", proto.CallData{CallID: got.ID, User: "bob", Audio: true})
	got, _ = c.Get("r1")
	if s := got.Sessions["bob"]; s == nil || !s.Audio || s.Video {
		t.Errorf("peer av not tracked: %+v", s)
	}
	if len(rec.sessions) != 3 || rec.sessions[2] != "bob" {
		t.Errorf("expected session updates for alice, alice, bob; got %v", rec.sessions)
	}
}

func TestVideoDevices(t *testing.T) {
	c, _, _ := newCoordinator(t)
	if c.SelectedVideoDevice() != "cam0" {
		t.Errorf("expected first device selected, got %q", c.SelectedVideoDevice())
	}
	if err := c.SelectVideoDevice("cam1"); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	if err := c.SelectVideoDevice("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
	if c.SelectedVideoDevice() != "cam1" || len(c.VideoDevices()) != 2 {
		t.Errorf("unexpected device state")
	}
}
