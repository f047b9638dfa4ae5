// Package app wires the store, the engine and the control API together.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-engine/internal/auth"
	"github.com/vovakirdan/wirechat-engine/internal/callengine"
	"github.com/vovakirdan/wirechat-engine/internal/callengine/livekit"
	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/log"
	"github.com/vovakirdan/wirechat-engine/internal/store"
	"github.com/vovakirdan/wirechat-engine/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-engine/internal/transport/http"
	"github.com/vovakirdan/wirechat-engine/internal/transport/ws"
)

// App owns the engine and its collaborators.
type App struct {
	cfg             *config.Config
	engine          *core.Engine
	server          *stdhttp.Server // nil when the control API is disabled
	shutdownTimeout time.Duration
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("cache opened")

	clk := clock.New()
	dialer := ws.NewDialer(logger)
	dialer.HandshakeTimeout = cfg.Connection.DialTimeout

	eng := core.New(core.Options{
		Store:    st,
		Dialer:   dialer,
		Resolver: newResolver(cfg, logger),
		Media:    newMedia(cfg, logger),
		Clock:    clk,
		Logger:   log.Component(logger, "engine"),
		Config:   EngineConfig(cfg),
	})

	a := &App{
		cfg:             cfg,
		engine:          eng,
		shutdownTimeout: cfg.Control.ShutdownTimeout,
		store:           st,
		log:             logger,
	}

	if cfg.Control.Addr != "" {
		secret := cfg.Control.JWTSecret
		if secret == "" {
			if secret, err = randomSecret(); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("generate jwt secret: %w", err)
			}
			logger.Warn().Msg("control.jwt_secret not set, tokens will not survive a restart")
		}
		authService := auth.NewService(cfg.Control.PasswordHash, &auth.JWTConfig{
			Secret:   []byte(secret),
			Issuer:   "wirechat-engine",
			Audience: "wirechat-engine-control",
			TTL:      cfg.Control.JWTTTL,
		}, clk)
		a.server = transporthttp.NewServer(eng, authService, cfg, clk, log.Component(logger, "control"))
	}

	return a, nil
}

// EngineConfig maps the loaded configuration onto engine tunables.
func EngineConfig(cfg *config.Config) core.Config {
	return core.Config{
		BaseDelay:         cfg.Connection.BaseDelay,
		MaxDelay:          cfg.Connection.MaxDelay,
		MaxAttempts:       cfg.Connection.MaxAttempts,
		DialTimeout:       cfg.Connection.DialTimeout,
		KeepaliveInterval: cfg.Connection.KeepaliveInterval,
		EditWindow:        cfg.History.EditWindow,
		AutosendMaxAge:    cfg.History.AutosendMaxAge,
		Presence: store.PresenceConfig{
			Status:          store.PresenceOnline,
			Autoaway:        cfg.Presence.Autoaway,
			AutoawayTimeout: cfg.Presence.AutoawayTimeout,
			Persist:         cfg.Presence.Persist,
		},
		VideoDevices: cfg.Calls.VideoDevices,
	}
}

func newResolver(cfg *config.Config, logger *zerolog.Logger) core.Resolver {
	if cfg.DiscoveryURL != "" {
		return ws.NewDiscovery(cfg.DiscoveryURL, nil, logger)
	}
	return core.StaticEndpoints{Chat: cfg.ChatURL, Presence: cfg.PresenceURL}
}

// newMedia returns the LiveKit backend, or nil when calls carry no media.
func newMedia(cfg *config.Config, logger *zerolog.Logger) callengine.Engine {
	if cfg.Calls.LiveKitURL == "" || cfg.Calls.LiveKitAPIKey == "" {
		logger.Info().Msg("no media backend configured, calls are signaling only")
		return nil
	}
	return livekit.New(cfg.Calls.LiveKitAPIKey, cfg.Calls.LiveKitAPISecret, cfg.Calls.LiveKitURL)
}

// Engine exposes the engine for in-process callers.
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run starts the engine and the control API and blocks until ctx is
// cancelled or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	g.Go(func() error {
		return a.startSession(gctx)
	})

	if a.server != nil {
		g.Go(func() error {
			a.log.Info().Str("addr", a.server.Addr).Msg("control API listening")
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				return fmt.Errorf("control API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
			defer cancel()

			a.log.Info().Msg("shutting down control API")
			return a.server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// startSession loads the configured session and connects. Failures are
// logged and leave the engine running for the control API.
func (a *App) startSession(ctx context.Context) error {
	state, err := a.engine.Init(ctx, a.cfg.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.log.Error().Err(err).Msg("session init failed")
		return nil
	}
	a.log.Info().Str("state", state.String()).Msg("session initialized")

	if err := a.engine.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("initial connect failed")
		}
		return nil
	}
	if sid, err := a.engine.SessionID(ctx); err == nil && sid != a.cfg.SessionID {
		a.log.Info().Str("session_id", sid).Msg("new session, set session_id to resume it")
	}
	return nil
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
