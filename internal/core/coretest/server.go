// Package coretest provides an in-memory chat and presence server for
// exercising the engine without a network.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
)

const (
	ChatURL     = "fake://chat"
	PresenceURL = "fake://presence"
)

var (
	ErrDialRefused = errors.New("dial refused")
	errLinkClosed  = errors.New("link closed")
)

type room struct {
	data     proto.RoomData
	msgs     []proto.MessageData
	lastSeen string
}

// Server answers the engine's frames the way the real servers do. It
// records every frame it receives.
type Server struct {
	mu    sync.Mutex
	clock clock.Clock

	user      string
	sessionID string
	rooms     map[string]*room
	prefs     *proto.PrefsData

	links  []*Link
	frames []proto.Frame
	dials  int
	seq    int

	failDials  int
	holdAcks   bool
	held       []heldMsg
	rejectNew  func(proto.MessageData) string
	rejectEdit bool
	holdEdits  bool
	muteKA     bool
}

type heldMsg struct {
	roomID string
	data   proto.MessageData
}

// New creates a server for user. clk stamps messages; nil uses the wall clock.
func New(user string, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		clock:     clk,
		user:      user,
		sessionID: "sess-" + user,
		rooms:     make(map[string]*room),
	}
}

// Endpoints returns a resolver for the server. Without presence the
// presence traffic shares the chat link.
func (s *Server) Endpoints(withPresence bool) core.StaticEndpoints {
	eps := core.StaticEndpoints{Chat: ChatURL}
	if withPresence {
		eps.Presence = PresenceURL
	}
	return eps
}

// Dial implements core.Dialer.
func (s *Server) Dial(ctx context.Context, url string) (core.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, ErrDialRefused
	}
	kind := "chat"
	switch url {
	case ChatURL:
	case PresenceURL:
		kind = "presence"
	default:
		return nil, fmt.Errorf("unknown url %q", url)
	}
	l := &Link{
		srv:    s,
		kind:   kind,
		out:    make(chan proto.Frame, 4096),
		closed: make(chan struct{}),
	}
	s.links = append(s.links, l)
	return l, nil
}

// Dials returns how many dials were attempted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// FailDials makes the next n dials fail.
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	s.failDials = n
	s.mu.Unlock()
}

// HoldAcks stops confirming new messages until Confirm is called.
func (s *Server) HoldAcks(hold bool) {
	s.mu.Lock()
	s.holdAcks = hold
	s.mu.Unlock()
}

// Held returns the temporary ids of messages waiting for confirmation.
func (s *Server) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for _, h := range s.held {
		out = append(out, h.data.TempID)
	}
	return out
}

// Confirm accepts a held message.
func (s *Server) Confirm(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.held {
		if h.data.TempID == tempID {
			s.held = append(s.held[:i], s.held[i+1:]...)
			s.accept(h.roomID, h.data)
			return true
		}
	}
	return false
}

// RejectNew installs a rule refusing new messages; it returns the reason,
// or "" to accept.
func (s *Server) RejectNew(fn func(proto.MessageData) string) {
	s.mu.Lock()
	s.rejectNew = fn
	s.mu.Unlock()
}

// RejectEdits makes the server refuse every msgupd.
func (s *Server) RejectEdits(reject bool) {
	s.mu.Lock()
	s.rejectEdit = reject
	s.mu.Unlock()
}

// HoldEdits records msgupd frames without applying or echoing them.
func (s *Server) HoldEdits(hold bool) {
	s.mu.Lock()
	s.holdEdits = hold
	s.mu.Unlock()
}

// MuteKeepalive stops answering keepalives.
func (s *Server) MuteKeepalive(mute bool) {
	s.mu.Lock()
	s.muteKA = mute
	s.mu.Unlock()
}

// AddRoom creates a room the user belongs to. OwnPriv is taken as is, so
// a zero value makes the user read-only.
func (s *Server) AddRoom(rd proto.RoomData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rd.ID] = &room{data: rd}
}

// AddHistory appends n messages from user to a room and returns them.
func (s *Server) AddHistory(roomID, from string, n int) []proto.MessageData {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	out := make([]proto.MessageData, 0, n)
	for range n {
		md := s.newMessage(from, 1, fmt.Sprintf("msg-%d", len(r.msgs)+1))
		r.msgs = append(r.msgs, md)
		out = append(out, md)
	}
	return out
}

// Messages returns a copy of a room's history, oldest first.
func (s *Server) Messages(roomID string) []proto.MessageData {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]proto.MessageData(nil), r.msgs...)
}

// LastSeen returns the seen pointer the client reported for a room.
func (s *Server) LastSeen(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.lastSeen
	}
	return ""
}

// PushMessage delivers a live message from another user.
func (s *Server) PushMessage(roomID, from, content string) proto.MessageData {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.newMessage(from, 1, content)
	s.rooms[roomID].msgs = append(s.rooms[roomID].msgs, md)
	s.broadcast(proto.MustFrame(proto.TypeNewMsg, roomID, md))
	return md
}

// Push sends a frame on every chat link.
func (s *Server) Push(f proto.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast(f)
}

// PushPresence sends a frame on every presence link, or on the chat links
// when no presence link is open.
func (s *Server) PushPresence(f proto.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := false
	for _, l := range s.links {
		if l.kind == "presence" && l.open() {
			l.push(f)
			sent = true
		}
	}
	if !sent {
		s.broadcast(f)
	}
}

// DropLinks closes every open link as a network failure would.
func (s *Server) DropLinks() {
	s.mu.Lock()
	links := s.links
	s.links = nil
	s.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
}

// Frames returns the received frames of type typ, or all with "".
func (s *Server) Frames(typ string) []proto.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Frame
	for _, f := range s.frames {
		if typ == "" || f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames polls until n frames of typ were received or timeout passes.
func (s *Server) WaitFrames(typ string, n int, timeout time.Duration) []proto.Frame {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Frames(typ)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) newMessage(from string, typ int, content string) proto.MessageData {
	s.seq++
	return proto.MessageData{
		ID:      fmt.Sprintf("m%04d", s.seq),
		User:    from,
		Type:    typ,
		Content: content,
		TS:      s.clock.Now().UnixMilli(),
	}
}

func (s *Server) broadcast(f proto.Frame) {
	for _, l := range s.links {
		if l.kind == "chat" && l.open() {
			l.push(f)
		}
	}
}

func (s *Server) roomData(r *room) proto.RoomData {
	rd := r.data
	rd.LastSeen = r.lastSeen
	return rd
}

func (s *Server) handle(l *Link, f proto.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)

	reply := func(typ, room string, data any) {
		l.push(proto.MustFrame(typ, room, data))
	}
	ack := func(data any) {
		out := proto.MustFrame(proto.TypeAck, f.Room, data)
		out.Req = f.Req
		l.push(out)
	}
	fail := func(code, msg string) {
		l.push(proto.Frame{Type: proto.TypeError, Req: f.Req, Room: f.Room, Error: &proto.Error{Code: code, Msg: msg}})
	}

	switch f.Type {
	case proto.TypeHello:
		var h proto.HelloData
		_ = f.Decode(&h)
		if h.SessionID != "" {
			s.sessionID = h.SessionID
		}
		reply(proto.TypeWelcome, "", proto.WelcomeData{UserID: s.user, SessionID: s.sessionID})
		if l.kind == "chat" {
			for _, id := range s.roomIDs() {
				reply(proto.TypeRoom, id, s.roomData(s.rooms[id]))
			}
		}

	case proto.TypeJoin:
		r, ok := s.rooms[f.Room]
		if !ok {
			fail(core.ErrCodeNotFound, "no such room")
			return
		}
		var j proto.JoinData
		_ = f.Decode(&j)
		if j.Newest != "" {
			missed := false
			for _, md := range r.msgs {
				if missed {
					reply(proto.TypeNewMsg, f.Room, md)
				}
				if md.ID == j.Newest {
					missed = true
				}
			}
		}
		reply(proto.TypeJoined, f.Room, s.roomData(r))

	case proto.TypeHist:
		r, ok := s.rooms[f.Room]
		if !ok {
			return
		}
		var h proto.HistData
		_ = f.Decode(&h)
		end := len(r.msgs)
		if h.Before != "" {
			for i, md := range r.msgs {
				if md.ID == h.Before {
					end = i
					break
				}
			}
		}
		start := max(0, end-h.Count)
		for i := end - 1; i >= start; i-- {
			reply(proto.TypeOldMsg, f.Room, r.msgs[i])
		}
		reply(proto.TypeHistDone, f.Room, struct{}{})

	case proto.TypeNewMsg:
		var md proto.MessageData
		_ = f.Decode(&md)
		if s.rejectNew != nil {
			if reason := s.rejectNew(md); reason != "" {
				reply(proto.TypeReject, f.Room, proto.RejectData{Op: proto.TypeNewMsg, TempID: md.TempID, Reason: reason})
				return
			}
		}
		if s.holdAcks {
			s.held = append(s.held, heldMsg{roomID: f.Room, data: md})
			return
		}
		s.accept(f.Room, md)

	case proto.TypeMsgUpd:
		var md proto.MessageData
		_ = f.Decode(&md)
		if s.rejectEdit {
			reply(proto.TypeReject, f.Room, proto.RejectData{Op: proto.TypeMsgUpd, ID: md.ID, Reason: "edit refused"})
			return
		}
		if s.holdEdits {
			return
		}
		r, ok := s.rooms[f.Room]
		if !ok {
			return
		}
		for i := range r.msgs {
			if r.msgs[i].ID == md.ID {
				r.msgs[i].Content = md.Content
				r.msgs[i].Edited = md.Edited
				r.msgs[i].Deleted = md.Deleted
				s.broadcast(proto.MustFrame(proto.TypeMsgUpd, f.Room, r.msgs[i]))
			}
		}

	case proto.TypeSeen:
		var p proto.PointerData
		_ = f.Decode(&p)
		if r, ok := s.rooms[f.Room]; ok {
			r.lastSeen = p.ID
		}

	case proto.TypeReaction:
		var rd proto.ReactionData
		_ = f.Decode(&rd)
		rd.User = s.user
		s.broadcast(proto.MustFrame(proto.TypeReaction, f.Room, rd))

	case proto.TypeCreateRoom:
		var cd proto.CreateRoomData
		_ = f.Decode(&cd)
		s.seq++
		rd := proto.RoomData{
			ID:        fmt.Sprintf("r%04d", s.seq),
			Group:     cd.Group,
			Title:     cd.Title,
			Members:   append(cd.Members, proto.MemberData{User: s.user, Priv: 3}),
			OwnPriv:   3,
			CreatedAt: s.clock.Now().UnixMilli(),
		}
		s.rooms[rd.ID] = &room{data: rd}
		ack(rd)

	case proto.TypeInvite, proto.TypeRemove, proto.TypeSetPriv:
		var md proto.MemberData
		_ = f.Decode(&md)
		r, ok := s.rooms[f.Room]
		if !ok {
			fail(core.ErrCodeNotFound, "no such room")
			return
		}
		members := r.data.Members[:0:0]
		for _, m := range r.data.Members {
			if m.User != md.User {
				members = append(members, m)
			}
		}
		if f.Type != proto.TypeRemove {
			members = append(members, md)
		}
		r.data.Members = members
		ack(nil)

	case proto.TypeSetTitle:
		var td proto.TitleData
		_ = f.Decode(&td)
		if r, ok := s.rooms[f.Room]; ok {
			r.data.Title = td.Title
		}
		ack(nil)

	case proto.TypeLeave:
		delete(s.rooms, f.Room)
		ack(nil)

	case proto.TypeLogout:
		ack(nil)

	case proto.TypePrefs:
		var pd proto.PrefsData
		_ = f.Decode(&pd)
		s.prefs = &pd
		reply(proto.TypePrefs, "", pd)

	case proto.TypeKeepalive:
		if !s.muteKA {
			reply(proto.TypeKeepalive, "", nil)
		}

	default:
		if f.Req != "" {
			fail(core.ErrCodeInvalidArgument, "unsupported request "+f.Type)
		}
	}
}

// accept confirms a new message; mu must be held.
func (s *Server) accept(roomID string, md proto.MessageData) {
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	msg := s.newMessage(s.user, md.Type, md.Content)
	msg.TempID = md.TempID
	r.msgs = append(r.msgs, msg)
	s.broadcast(proto.MustFrame(proto.TypeNewMsgID, roomID, proto.NewMsgIDData{TempID: md.TempID, ID: msg.ID, TS: msg.TS}))
}

func (s *Server) roomIDs() []string {
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Link is one in-memory connection. Frames the client sends are handled
// synchronously.
type Link struct {
	srv    *Server
	kind   string
	out    chan proto.Frame
	closed chan struct{}
	once   sync.Once
}

// Send implements core.Link.
func (l *Link) Send(ctx context.Context, f proto.Frame) error {
	if !l.open() {
		return errLinkClosed
	}
	l.srv.handle(l, f)
	return nil
}

// Receive implements core.Link.
func (l *Link) Receive(ctx context.Context) (proto.Frame, error) {
	select {
	case f := <-l.out:
		return f, nil
	case <-l.closed:
		return proto.Frame{}, errLinkClosed
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

// Close implements core.Link.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *Link) open() bool {
	select {
	case <-l.closed:
		return false
	default:
		return true
	}
}

func (l *Link) push(f proto.Frame) {
	if !l.open() {
		return
	}
	select {
	case l.out <- f:
	default:
	}
}
