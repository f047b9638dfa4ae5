package core

import (
	"context"
	"time"

	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// SetOnlineStatus selects the own status.
func (e *Engine) SetOnlineStatus(ctx context.Context, status store.Presence) error {
	return e.call(ctx, func() error {
		return mapComponentError(e.presence.SetStatus(status))
	})
}

// SetPresenceAutoaway enables or disables autoaway. Enabling it turns
// persist off.
func (e *Engine) SetPresenceAutoaway(ctx context.Context, enabled bool, timeout time.Duration) error {
	return e.call(ctx, func() error {
		return mapComponentError(e.presence.SetAutoaway(enabled, timeout))
	})
}

// SetPresencePersist keeps the selected status regardless of activity.
func (e *Engine) SetPresencePersist(ctx context.Context, enabled bool) error {
	return e.call(ctx, func() error {
		e.presence.SetPersist(enabled)
		return nil
	})
}

// SignalActivity reports user activity. It resets the autoaway timer and
// brings a background connection to the foreground.
func (e *Engine) SignalActivity(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.conn.background = false
		e.signalActive()
		return nil
	})
}

func (e *Engine) signalActive() {
	e.presence.SignalActivity()
	e.sendPresence(proto.MustFrame(proto.TypeActive, "", proto.ActiveData{Active: true}))
}

// PresenceConfig returns the own presence configuration.
func (e *Engine) PresenceConfig(ctx context.Context) (store.PresenceConfig, error) {
	var cfg store.PresenceConfig
	err := e.call(ctx, func() error {
		cfg = e.presence.Config()
		return nil
	})
	return cfg, err
}

// UserPresence returns the last known status of another user.
func (e *Engine) UserPresence(ctx context.Context, userID string) (store.Presence, error) {
	var p store.Presence
	err := e.call(ctx, func() error {
		p = e.peers[userID]
		return nil
	})
	return p, err
}

// startPresence runs once the link carrying presence is welcomed.
func (e *Engine) startPresence() {
	e.presence.Start()
	if !e.conn.background {
		e.signalActive()
	}
}

func (e *Engine) pushPresence(cfg store.PresenceConfig) {
	e.sendPresence(proto.MustFrame(proto.TypePrefs, "", prefsFromConfig(cfg)))
}

func (e *Engine) onPresenceChanged(cfg store.PresenceConfig) {
	e.emitGlobal(Event{Kind: EventPresenceConfig, Presence: cfg})
	if cfg.Status != e.status {
		e.status = cfg.Status
		e.log.Info().Str("status", cfg.Status.String()).Msg("online status")
		e.emitGlobal(Event{Kind: EventOnlineStatus, UserID: e.userID, Status: cfg.Status})
	}
}

func (e *Engine) onPrefs(f proto.Frame) {
	var pd proto.PrefsData
	if err := f.Decode(&pd); err != nil {
		e.log.Warn().Err(err).Msg("bad prefs")
		return
	}
	cfg := store.PresenceConfig{
		Status:          store.Presence(pd.Status),
		Autoaway:        pd.Autoaway,
		AutoawayTimeout: time.Duration(pd.Timeout) * time.Second,
		Persist:         pd.Persist,
	}
	if !cfg.Status.Valid() {
		e.log.Warn().Int("status", pd.Status).Msg("prefs with invalid status")
		return
	}
	e.presence.Confirm(cfg)
}

func (e *Engine) onPeerPresence(f proto.Frame) {
	var pd proto.PeerPresenceData
	if err := f.Decode(&pd); err != nil || pd.User == "" {
		e.log.Warn().Err(err).Msg("bad peer presence")
		return
	}
	status := store.Presence(pd.Status)
	if pd.User == e.userID || e.peers[pd.User] == status {
		return
	}
	e.peers[pd.User] = status
	e.emitGlobal(Event{Kind: EventPeerPresence, UserID: pd.User, Status: status})
}

func prefsFromConfig(cfg store.PresenceConfig) proto.PrefsData {
	return proto.PrefsData{
		Status:   int(cfg.Status),
		Autoaway: cfg.Autoaway,
		Timeout:  int(cfg.AutoawayTimeout / time.Second),
		Persist:  cfg.Persist,
	}
}
