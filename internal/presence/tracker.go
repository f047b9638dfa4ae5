// Package presence tracks the own user's online status and drives the
// autoaway timer.
package presence

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

var (
	// ErrInvalidStatus is returned for statuses a user cannot select.
	ErrInvalidStatus = errors.New("invalid presence status")
	// ErrInvalidTimeout is returned when autoaway is enabled without a positive timeout.
	ErrInvalidTimeout = errors.New("autoaway timeout must be positive")
)

// Hooks connect the tracker to its owner. All hooks are called on the
// goroutine that drives the tracker.
type Hooks struct {
	// Post schedules fn on the goroutine that owns the tracker. Timer
	// callbacks go through it so the tracker is never touched concurrently.
	Post func(fn func())
	// Push sends the configuration to the presence server.
	Push func(cfg store.PresenceConfig)
	// Changed reports every change of the configuration or the displayed status.
	Changed func(cfg store.PresenceConfig)
}

// Tracker is the own-presence state machine. It is not safe for concurrent
// use; the owner serialises calls (the engine loop does).
type Tracker struct {
	clock clock.Clock
	hooks Hooks
	log   *zerolog.Logger

	cfg store.PresenceConfig

	// away is set while autoaway replaced the user's status; restore holds
	// the status to go back to on activity.
	away    bool
	restore store.Presence

	inCall  bool
	running bool

	timer *clock.Timer
	gen   uint64
}

// New constructs a tracker with the initial configuration. The initial
// status is online.
func New(clk clock.Clock, initial store.PresenceConfig, hooks Hooks, logger *zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if hooks.Post == nil {
		hooks.Post = func(fn func()) { fn() }
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if !initial.Status.Valid() {
		initial.Status = store.PresenceOnline
	}
	return &Tracker{
		clock: clk,
		hooks: hooks,
		log:   logger,
		cfg:   initial,
	}
}

// Config returns the current configuration.
func (t *Tracker) Config() store.PresenceConfig {
	return t.cfg
}

// Status returns the displayed status.
func (t *Tracker) Status() store.Presence {
	return t.cfg.Status
}

// Start is called once the presence link is up. It pushes the current
// configuration and arms the autoaway timer.
func (t *Tracker) Start() {
	t.running = true
	t.push()
	t.rearm()
}

// Stop disarms the timer, e.g. on disconnect.
func (t *Tracker) Stop() {
	t.running = false
	t.disarm()
}

// SetStatus selects a new status. It cancels a running autoaway.
func (t *Tracker) SetStatus(status store.Presence) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	t.away = false
	t.cfg.Status = status
	t.push()
	t.rearm()
	return nil
}

// SetAutoaway enables or disables autoaway. Enabling it clears persist,
// the two modes are exclusive.
func (t *Tracker) SetAutoaway(enabled bool, timeout time.Duration) error {
	if enabled && timeout <= 0 {
		return ErrInvalidTimeout
	}
	t.cfg.Autoaway = enabled
	if timeout > 0 {
		t.cfg.AutoawayTimeout = timeout
	}
	if enabled {
		t.cfg.Persist = false
	} else if t.away {
		t.comeBack()
	}
	t.push()
	t.rearm()
	return nil
}

// SetPersist fixes the displayed status regardless of activity and
// connectivity.
func (t *Tracker) SetPersist(enabled bool) {
	t.cfg.Persist = enabled
	if enabled && t.away {
		t.comeBack()
	}
	t.push()
	t.rearm()
}

// SetInCall suspends autoaway while a call is in progress.
func (t *Tracker) SetInCall(inCall bool) {
	if t.inCall == inCall {
		return
	}
	t.inCall = inCall
	if inCall && t.away {
		t.comeBack()
		t.push()
	}
	t.rearm()
}

// SignalActivity resets the autoaway timer and ends a running autoaway.
func (t *Tracker) SignalActivity() {
	if t.away {
		t.comeBack()
		t.push()
	}
	t.rearm()
}

// Confirm applies the configuration acknowledged or pushed by the server.
// Another device of the same user may have changed it.
func (t *Tracker) Confirm(cfg store.PresenceConfig) {
	cfg.Pending = false
	if cfg.Status != store.PresenceAway {
		t.away = false
	}
	prev := t.cfg
	wasPending := prev.Pending
	prev.Pending = false
	t.cfg = cfg
	switch {
	case cfg != prev:
		t.changed()
		t.rearm()
	case wasPending:
		t.changed()
	}
}

func (t *Tracker) applies() bool {
	if !t.running || !t.cfg.Autoaway || t.cfg.Persist || t.inCall {
		return false
	}
	switch t.cfg.Status {
	case store.PresenceOnline, store.PresenceBusy:
		return true
	}
	return false
}

func (t *Tracker) rearm() {
	t.disarm()
	if !t.applies() {
		return
	}
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.cfg.AutoawayTimeout, func() {
		t.hooks.Post(func() { t.fire(gen) })
	})
}

func (t *Tracker) disarm() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) fire(gen uint64) {
	if gen != t.gen || !t.applies() {
		return
	}
	t.timer = nil
	t.log.Info().Str("from", t.cfg.Status.String()).Msg("autoaway: no activity, going away")
	t.away = true
	t.restore = t.cfg.Status
	t.cfg.Status = store.PresenceAway
	t.push()
}

func (t *Tracker) comeBack() {
	t.away = false
	t.cfg.Status = t.restore
	t.log.Info().Str("to", t.cfg.Status.String()).Msg("autoaway: activity, restoring status")
}

func (t *Tracker) push() {
	if t.running {
		t.cfg.Pending = true
		if t.hooks.Push != nil {
			t.hooks.Push(t.cfg)
		}
	}
	t.changed()
}

func (t *Tracker) changed() {
	if t.hooks.Changed != nil {
		t.hooks.Changed(t.cfg)
	}
}
