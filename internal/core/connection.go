package core

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/utils"
)

const (
	linkQueueSize = 512
	linkChat      = "chat"
	linkPresence  = "presence"
)

var (
	errKeepaliveTimeout = errors.New("keepalive timeout")
	errOutboundFull     = errors.New("outbound queue full")
	errNoChatEndpoint   = errors.New("no chat endpoint")
)

// connection is the loop-owned state of the Connection Manager.
type connection struct {
	state      ConnState
	want       bool // the application asked to be online
	background bool
	gen        uint64
	attempts   int

	chat *linkConn
	pres *linkConn

	retry     *clock.Timer
	keepalive *clock.Timer

	waiters []func(error)
	pending map[string]*request // sent, awaiting ack
	queued  []*request          // waiting for the link
}

type linkConn struct {
	kind     string
	gen      uint64
	link     Link
	out      chan proto.Frame
	cancel   context.CancelFunc
	welcomed bool
	lastRecv time.Time
}

type request struct {
	id       string
	frame    proto.Frame
	attempts int
	done     func(data json.RawMessage, err error)
}

// Connect establishes the session with the chat and presence servers and
// waits until the chat server welcomed it or the attempts are exhausted.
func (e *Engine) Connect(ctx context.Context) error {
	return e.connect(ctx, false)
}

// ConnectInBackground is Connect without signaling activity to the
// presence server, so the user does not appear online.
func (e *Engine) ConnectInBackground(ctx context.Context) error {
	return e.connect(ctx, true)
}

func (e *Engine) connect(ctx context.Context, background bool) error {
	return e.await(ctx, func(complete func(error)) error {
		if e.initState == InitNone || e.initState == InitError {
			return coreError(ErrCodeInvalidArgument, "engine not initialized")
		}
		wasBackground := e.conn.background
		e.conn.background = background
		if e.conn.state == ConnConnected {
			if wasBackground && !background {
				e.signalActive()
			}
			complete(nil)
			return nil
		}
		e.conn.waiters = append(e.conn.waiters, complete)
		e.conn.want = true
		if e.conn.state == ConnDisconnected {
			e.conn.attempts = 0
			e.startConnect()
		}
		return nil
	})
}

// Disconnect tears the links down. Pending message sends stay queued and
// resume on the next connect; pending requests fail.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.conn.want = false
		e.teardown("disconnect requested")
		e.setConnState(ConnDisconnected)
		err := coreError(ErrCodeTransientNetwork, "disconnected")
		e.failWaiters(err)
		e.failRequests(err)
		return nil
	})
}

// RetryPendingConnections skips the backoff delay and reconnects now.
func (e *Engine) RetryPendingConnections(ctx context.Context) error {
	return e.call(ctx, func() error {
		if e.initState == InitNone || e.initState == InitError {
			return coreError(ErrCodeInvalidArgument, "engine not initialized")
		}
		if e.conn.state == ConnConnected {
			return nil
		}
		e.log.Info().Int("attempts", e.conn.attempts).Msg("forcing reconnect")
		e.conn.want = true
		e.conn.attempts = 0
		e.startConnect()
		return nil
	})
}

// ConnectionState returns the overall connection state.
func (e *Engine) ConnectionState(ctx context.Context) (ConnState, error) {
	var s ConnState
	err := e.call(ctx, func() error {
		s = e.conn.state
		return nil
	})
	return s, err
}

func (e *Engine) startConnect() {
	e.stopTimers()
	e.conn.gen++
	gen := e.conn.gen
	e.setConnState(ConnConnecting)
	for _, rs := range e.rooms {
		e.setChatState(rs, ChatInProgress)
	}
	e.log.Debug().Uint64("gen", gen).Int("attempt", e.conn.attempts+1).Msg("dialing")
	go e.dial(gen)
}

// dial runs off the loop.
func (e *Engine) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DialTimeout)
	defer cancel()

	var chat, pres Link
	eps, err := e.resolver.Resolve(ctx)
	if err == nil && eps.Chat == "" {
		err = errNoChatEndpoint
	}
	if err == nil {
		chat, err = e.dialer.Dial(ctx, eps.Chat)
	}
	if err == nil && eps.Presence != "" {
		pres, err = e.dialer.Dial(ctx, eps.Presence)
		if err != nil {
			_ = chat.Close()
			chat = nil
		}
	}
	e.post(func() { e.onDialed(gen, chat, pres, err) })
}

func (e *Engine) onDialed(gen uint64, chat, pres Link, err error) {
	if gen != e.conn.gen || !e.conn.want {
		closeLinks(chat, pres)
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Int("attempt", e.conn.attempts+1).Msg("connect failed")
		e.scheduleRetry(err)
		return
	}

	hello := proto.MustFrame(proto.TypeHello, "", proto.HelloData{
		SessionID:  e.sid,
		Protocol:   proto.ProtocolVersion,
		Background: e.conn.background,
	})
	e.conn.chat = e.startLink(linkChat, gen, chat)
	e.sendOn(e.conn.chat, hello)
	if pres != nil {
		e.conn.pres = e.startLink(linkPresence, gen, pres)
		e.sendOn(e.conn.pres, hello)
	}
	e.armKeepalive()
}

func closeLinks(links ...Link) {
	for _, l := range links {
		if l != nil {
			go l.Close()
		}
	}
}

func (e *Engine) startLink(kind string, gen uint64, link Link) *linkConn {
	ctx, cancel := context.WithCancel(e.ctx)
	lc := &linkConn{
		kind:     kind,
		gen:      gen,
		link:     link,
		out:      make(chan proto.Frame, linkQueueSize),
		cancel:   cancel,
		lastRecv: e.clock.Now(),
	}
	go e.readLoop(ctx, lc)
	go e.writeLoop(ctx, lc)
	return lc
}

func (e *Engine) readLoop(ctx context.Context, lc *linkConn) {
	for {
		f, err := lc.link.Receive(ctx)
		if err != nil {
			e.post(func() { e.onLinkDown(lc, err) })
			return
		}
		e.post(func() { e.onFrame(lc, f) })
	}
}

func (e *Engine) writeLoop(ctx context.Context, lc *linkConn) {
	for {
		select {
		case f := <-lc.out:
			if err := lc.link.Send(ctx, f); err != nil {
				e.post(func() { e.onLinkDown(lc, err) })
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) isCurrent(lc *linkConn) bool {
	return lc != nil && (lc == e.conn.chat || lc == e.conn.pres)
}

// sendOn queues f on the link. A full queue means the writer is stuck and
// the link is dropped.
func (e *Engine) sendOn(lc *linkConn, f proto.Frame) bool {
	if lc == nil {
		return false
	}
	select {
	case lc.out <- f:
		e.log.Trace().Str("link", lc.kind).Str("type", f.Type).Str("room_id", f.Room).Msg("frame out")
		return true
	default:
		e.log.Warn().Str("link", lc.kind).Msg("outbound queue full, dropping link")
		e.later(func() { e.onLinkDown(lc, errOutboundFull) })
		return false
	}
}

// chatReady reports whether the chat server welcomed the session.
func (e *Engine) chatReady() bool {
	return e.conn.chat != nil && e.conn.chat.welcomed
}

func (e *Engine) sendChat(f proto.Frame) bool {
	if !e.chatReady() {
		return false
	}
	return e.sendOn(e.conn.chat, f)
}

// presenceLink is the link carrying presence traffic: the dedicated one if
// configured, the chat link otherwise.
func (e *Engine) presenceLink() *linkConn {
	if e.conn.pres != nil {
		return e.conn.pres
	}
	return e.conn.chat
}

func (e *Engine) sendPresence(f proto.Frame) bool {
	lc := e.presenceLink()
	if lc == nil || !lc.welcomed {
		return false
	}
	return e.sendOn(lc, f)
}

func (e *Engine) onFrame(lc *linkConn, f proto.Frame) {
	if !e.isCurrent(lc) {
		return
	}
	lc.lastRecv = e.clock.Now()
	e.log.Trace().Str("link", lc.kind).Str("type", f.Type).Str("room_id", f.Room).Msg("frame in")

	switch f.Type {
	case proto.TypeWelcome:
		e.onWelcome(lc, f)
		return
	case proto.TypeKeepalive:
		return
	case proto.TypeAck:
		e.onAck(f)
		return
	case proto.TypeError:
		e.onErrorFrame(f)
		return
	case proto.TypePrefs:
		e.onPrefs(f)
		return
	case proto.TypePeerPresence:
		e.onPeerPresence(f)
		return
	}
	if lc.kind == linkPresence {
		e.log.Debug().Str("type", f.Type).Msg("unexpected frame on presence link")
		return
	}
	e.dispatchChat(f)
}

func (e *Engine) onWelcome(lc *linkConn, f proto.Frame) {
	var w proto.WelcomeData
	if err := f.Decode(&w); err != nil {
		e.log.Warn().Err(err).Msg("bad welcome")
		return
	}
	lc.welcomed = true

	if lc.kind == linkPresence {
		e.startPresence()
		return
	}

	e.onLoggedIn(w)
	e.conn.attempts = 0
	e.setConnState(ConnConnected)
	for _, done := range e.conn.waiters {
		done(nil)
	}
	e.conn.waiters = nil

	if e.conn.pres == nil {
		e.startPresence()
	}
	e.flushRequests()
	for _, id := range e.sortedRoomIDs() {
		e.joinRoom(e.rooms[id])
	}
}

func (e *Engine) onLinkDown(lc *linkConn, err error) {
	if !e.isCurrent(lc) {
		return
	}
	e.log.Warn().Err(err).Str("link", lc.kind).Msg("link lost")
	e.teardown(err.Error())
	if !e.conn.want {
		e.setConnState(ConnDisconnected)
		return
	}
	e.setConnState(ConnConnecting)
	e.scheduleRetry(err)
}

// teardown closes both links and puts every room offline. In-flight
// requests go back to the queue, in-flight messages will be replayed.
func (e *Engine) teardown(reason string) {
	e.stopTimers()
	e.conn.gen++
	for _, lc := range []*linkConn{e.conn.chat, e.conn.pres} {
		if lc != nil {
			lc.cancel()
			closeLinks(lc.link)
		}
	}
	wasUp := e.conn.chat != nil
	e.conn.chat = nil
	e.conn.pres = nil
	e.presence.Stop()

	for _, id := range e.sortedRoomIDs() {
		rs := e.rooms[id]
		rs.hist.cancelFetch(e, rs, true)
		rs.hist.markUnsent()
		rs.typing = make(map[string]bool)
		e.setChatState(rs, ChatOffline)
	}

	for id, r := range e.conn.pending {
		delete(e.conn.pending, id)
		r.attempts++
		if r.attempts >= e.cfg.MaxAttempts {
			r.done(nil, coreErrorf(ErrCodeTransientNetwork, "request %s: %s", r.frame.Type, reason))
			continue
		}
		e.conn.queued = append(e.conn.queued, r)
	}
	if wasUp {
		e.log.Info().Str("reason", reason).Msg("links closed")
	}
}

func (e *Engine) scheduleRetry(cause error) {
	e.conn.attempts++
	if e.conn.attempts >= e.cfg.MaxAttempts {
		e.log.Error().Err(cause).Int("attempts", e.conn.attempts).Msg("giving up reconnecting")
		e.conn.want = false
		e.setConnState(ConnDisconnected)
		err := &CoreError{Code: ErrCodeTransientNetwork, Message: "connection failed", Err: cause}
		e.failWaiters(err)
		e.failRequests(err)
		return
	}

	delay := e.backoff(e.conn.attempts)
	gen := e.conn.gen
	e.log.Info().Dur("delay", delay).Int("attempt", e.conn.attempts).Msg("reconnecting")
	e.conn.retry = e.clock.AfterFunc(delay, func() {
		e.post(func() {
			if gen == e.conn.gen && e.conn.want && e.conn.chat == nil {
				e.startConnect()
			}
		})
	})
}

// backoff doubles the delay per attempt up to MaxDelay, with the upper
// half randomised.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 1; i < attempt && d < e.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

func (e *Engine) armKeepalive() {
	interval := e.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	gen := e.conn.gen
	e.conn.keepalive = e.clock.AfterFunc(interval, func() {
		e.post(func() { e.onKeepaliveTick(gen) })
	})
}

func (e *Engine) onKeepaliveTick(gen uint64) {
	if gen != e.conn.gen || e.conn.chat == nil {
		return
	}
	now := e.clock.Now()
	limit := 2 * e.cfg.KeepaliveInterval
	for _, lc := range []*linkConn{e.conn.chat, e.conn.pres} {
		if lc == nil {
			continue
		}
		if now.Sub(lc.lastRecv) > limit {
			e.onLinkDown(lc, errKeepaliveTimeout)
			return
		}
		e.sendOn(lc, proto.Frame{Type: proto.TypeKeepalive})
	}
	e.armKeepalive()
}

func (e *Engine) stopTimers() {
	if e.conn.retry != nil {
		e.conn.retry.Stop()
		e.conn.retry = nil
	}
	if e.conn.keepalive != nil {
		e.conn.keepalive.Stop()
		e.conn.keepalive = nil
	}
}

func (e *Engine) setConnState(s ConnState) {
	if e.conn.state == s {
		return
	}
	e.log.Info().Str("from", e.conn.state.String()).Str("to", s.String()).Msg("connection state")
	e.conn.state = s
	e.emitGlobal(Event{Kind: EventConnectionState, ConnState: s})
}

func (e *Engine) failWaiters(err error) {
	for _, done := range e.conn.waiters {
		done(err)
	}
	e.conn.waiters = nil
}

// request sends a frame that the server completes with ack or error.
// While the link is down the request waits; it fails once the connection
// is given up or the application is offline.
func (e *Engine) request(f proto.Frame, done func(data json.RawMessage, err error)) {
	r := &request{id: utils.NewID(), frame: f, done: done}
	r.frame.Req = r.id
	switch {
	case e.chatReady():
		e.conn.pending[r.id] = r
		e.sendChat(r.frame)
	case e.conn.want:
		e.conn.queued = append(e.conn.queued, r)
	default:
		done(nil, coreError(ErrCodeTransientNetwork, "not connected"))
	}
}

func (e *Engine) flushRequests() {
	queued := e.conn.queued
	e.conn.queued = nil
	for _, r := range queued {
		e.conn.pending[r.id] = r
		e.sendChat(r.frame)
	}
}

func (e *Engine) failRequests(err error) {
	queued := e.conn.queued
	e.conn.queued = nil
	for _, r := range queued {
		r.done(nil, err)
	}
	for id, r := range e.conn.pending {
		delete(e.conn.pending, id)
		r.done(nil, err)
	}
}

func (e *Engine) onAck(f proto.Frame) {
	r, ok := e.conn.pending[f.Req]
	if !ok {
		e.log.Debug().Str("req", f.Req).Msg("ack for unknown request")
		return
	}
	delete(e.conn.pending, f.Req)
	r.done(f.Data, nil)
}

func (e *Engine) onErrorFrame(f proto.Frame) {
	code, msg := ErrCodeRejected, "server error"
	if f.Error != nil {
		code, msg = f.Error.Code, f.Error.Msg
	}
	r, ok := e.conn.pending[f.Req]
	if !ok {
		e.log.Warn().Str("code", code).Str("msg", msg).Msg("server error")
		return
	}
	delete(e.conn.pending, f.Req)
	r.done(nil, serverError(code, msg))
}
