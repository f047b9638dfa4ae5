package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/calls"
	"github.com/vovakirdan/wirechat-engine/internal/presence"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// Link is a framed, bidirectional connection to a chat or presence server.
type Link interface {
	Send(ctx context.Context, f proto.Frame) error
	Receive(ctx context.Context) (proto.Frame, error)
	Close() error
}

// Dialer opens links.
type Dialer interface {
	Dial(ctx context.Context, url string) (Link, error)
}

// Endpoints are the server URLs of one connection attempt. Presence may be
// empty, presence traffic then shares the chat link.
type Endpoints struct {
	Chat     string
	Presence string
}

// Resolver finds the endpoints before each connection attempt.
type Resolver interface {
	Resolve(ctx context.Context) (Endpoints, error)
}

// StaticEndpoints is a Resolver returning fixed URLs.
type StaticEndpoints Endpoints

// Resolve implements Resolver.
func (s StaticEndpoints) Resolve(context.Context) (Endpoints, error) {
	return Endpoints(s), nil
}

// ConnState is the overall connection state.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ChatState is the state of one room on the chat link.
type ChatState int

const (
	ChatOffline ChatState = iota
	ChatInProgress
	ChatJoining
	ChatOnline
)

func (s ChatState) String() string {
	switch s {
	case ChatInProgress:
		return "in-progress"
	case ChatJoining:
		return "logging"
	case ChatOnline:
		return "online"
	default:
		return "offline"
	}
}

// InitState describes the local session after Init.
type InitState int

const (
	InitNone InitState = iota
	InitWaitingNewSession
	InitOfflineSession
	InitOnlineSession
	InitNoCache
	InitError
)

func (s InitState) String() string {
	switch s {
	case InitWaitingNewSession:
		return "waiting-new-session"
	case InitOfflineSession:
		return "offline-session"
	case InitOnlineSession:
		return "online-session"
	case InitNoCache:
		return "no-cache"
	case InitError:
		return "error"
	default:
		return "none"
	}
}

// HistorySource says where a LoadMessages request is served from.
type HistorySource int

const (
	SourceNone HistorySource = iota
	SourceLocal
	SourceRemote
)

func (s HistorySource) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return "none"
	}
}

// Config holds the engine tunables.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration // zero disables keepalives

	EditWindow     time.Duration
	AutosendMaxAge time.Duration

	Presence     store.PresenceConfig
	VideoDevices []string
}

// DefaultConfig returns the tunables used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    10,
		DialTimeout:    10 * time.Second,
		EditWindow:     time.Hour,
		AutosendMaxAge: 24 * time.Hour,
		Presence:       store.PresenceConfig{Status: store.PresenceOnline},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.EditWindow <= 0 {
		c.EditWindow = d.EditWindow
	}
	if c.AutosendMaxAge <= 0 {
		c.AutosendMaxAge = d.AutosendMaxAge
	}
	if !c.Presence.Status.Valid() {
		c.Presence.Status = store.PresenceOnline
	}
	return c
}

// Options are the collaborators of an Engine.
type Options struct {
	Store    store.Store
	Dialer   Dialer
	Resolver Resolver
	Media    callengine.Engine // optional
	Clock    clock.Clock       // defaults to the wall clock
	Logger   *zerolog.Logger
	Config   Config
}

// Engine is the chat session and history engine. All state lives on the
// goroutine running Run; exported methods hand a closure to that loop and
// wait for its result.
type Engine struct {
	cfg      Config
	store    store.Store
	dialer   Dialer
	resolver Resolver
	clock    clock.Clock
	log      *zerolog.Logger

	cmds    chan func()
	done    chan struct{}
	started atomic.Bool

	subs      *xsync.MapOf[uint64, *Subscription]
	nextToken atomic.Uint64

	// Owned by the loop.
	ctx       context.Context
	global    map[uint64]*Subscription
	initState InitState
	sid       string
	userID    string
	conn      connection
	rooms     map[string]*roomSession
	presence  *presence.Tracker
	calls     *calls.Coordinator
	peers     map[string]store.Presence
	status    store.Presence // last emitted own status
	deferred  []func()
}

// New constructs an engine. Call Run before using it.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = StaticEndpoints{}
	}

	e := &Engine{
		cfg:      opts.Config.withDefaults(),
		store:    opts.Store,
		dialer:   opts.Dialer,
		resolver: resolver,
		clock:    clk,
		log:      logger,
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
		subs:     xsync.NewMapOf[uint64, *Subscription](),
		ctx:      context.Background(),
		global:   make(map[uint64]*Subscription),
		rooms:    make(map[string]*roomSession),
		peers:    make(map[string]store.Presence),
	}
	e.conn.pending = make(map[string]*request)

	e.presence = presence.New(clk, e.cfg.Presence, presence.Hooks{
		Post:    e.post,
		Push:    e.pushPresence,
		Changed: e.onPresenceChanged,
	}, logger)
	e.status = e.presence.Status()

	e.calls = calls.New(opts.Media, clk, e.cfg.VideoDevices, calls.Hooks{
		Signal:         e.signalCall,
		Changed:        e.onCallChanged,
		SessionChanged: e.onCallSessionChanged,
		InCall:         e.presence.SetInCall,
	}, logger)

	return e
}

// Run is the engine loop. It returns when ctx is cancelled; links are
// closed and every later call fails with ErrClosed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return coreError(ErrCodeInvalidArgument, "engine already running")
	}
	e.ctx = ctx
	e.log.Info().Msg("engine started")

	defer func() {
		e.shutdown()
		close(e.done)
		e.subs.Range(func(token uint64, sub *Subscription) bool {
			e.subs.Delete(token)
			sub.close()
			return true
		})
		e.log.Info().Msg("engine stopped")
	}()

	for {
		select {
		case fn := <-e.cmds:
			fn()
			e.runDeferred()
		case <-ctx.Done():
			return nil
		}
	}
}

// post schedules fn on the loop without waiting for it.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// later defers fn until the current command finished. Used from the loop
// where acting immediately would change state under a running handler.
func (e *Engine) later(fn func()) {
	e.deferred = append(e.deferred, fn)
}

func (e *Engine) runDeferred() {
	for len(e.deferred) > 0 {
		fn := e.deferred[0]
		e.deferred = e.deferred[1:]
		fn()
	}
}

// call runs fn on the loop and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// await runs start on the loop; start registers a completion that is
// resolved later (server ack, connection outcome). await then waits for it.
func (e *Engine) await(ctx context.Context, start func(complete func(error)) error) error {
	result := make(chan error, 1)
	complete := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	if err := e.call(ctx, func() error { return start(complete) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// Subscribe registers a subscriber for engine-wide events: connection,
// init and presence state, calls, notifications and room list changes.
func (e *Engine) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := newSubscription(e.nextToken.Add(1), "")
	err := e.call(ctx, func() error {
		e.global[sub.token] = sub
		e.subs.Store(sub.token, sub)
		return nil
	})
	if err != nil {
		sub.close()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a global subscription. When it returns no further
// event is delivered on it.
func (e *Engine) Unsubscribe(token uint64) error {
	return e.removeSubscription(token, false)
}

// CloseRoom removes a room subscription. Closing the last subscription of
// a room cancels its pending remote fetch and retires its temporary ids.
func (e *Engine) CloseRoom(token uint64) error {
	return e.removeSubscription(token, true)
}

func (e *Engine) removeSubscription(token uint64, room bool) error {
	sub, ok := e.subs.Load(token)
	if !ok || (sub.roomID != "") != room {
		return coreErrorf(ErrCodeNotFound, "unknown subscription %d", token)
	}
	e.subs.Delete(token)
	sub.close()
	e.post(func() { e.detach(sub) })
	return nil
}

func (e *Engine) detach(sub *Subscription) {
	if sub.roomID == "" {
		delete(e.global, sub.token)
		return
	}
	rs, ok := e.rooms[sub.roomID]
	if !ok {
		return
	}
	delete(rs.subs, sub.token)
	if len(rs.subs) == 0 {
		rs.hist.closeView(e, rs)
	}
}

// emitGlobal delivers ev to every global subscriber.
func (e *Engine) emitGlobal(ev Event) {
	for _, sub := range e.global {
		sub.push(ev)
	}
}

// emitRoom delivers ev to the subscribers of its room.
func (e *Engine) emitRoom(rs *roomSession, ev Event) {
	ev.RoomID = rs.room.ID
	for _, sub := range rs.subs {
		sub.push(ev)
	}
}

// emitBoth delivers ev to global and room subscribers.
func (e *Engine) emitBoth(rs *roomSession, ev Event) {
	ev.RoomID = rs.room.ID
	e.emitGlobal(ev)
	e.emitRoom(rs, ev)
}

func (e *Engine) shutdown() {
	e.teardown("engine stopped")
	e.conn.want = false
	e.failWaiters(coreError(ErrCodeTransientNetwork, "engine stopped"))
	e.failRequests(coreError(ErrCodeTransientNetwork, "engine stopped"))
	e.presence.Stop()
}

func (e *Engine) roomLogger(roomID string) *zerolog.Logger {
	l := e.log.With().Str("room_id", roomID).Logger()
	return &l
}
