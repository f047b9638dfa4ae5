package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "WIRECHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("WIRECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, configPath, err
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so env vars resolve even when the file
// does not mention them.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("session_id", cfg.SessionID)
	v.SetDefault("discovery_url", cfg.DiscoveryURL)
	v.SetDefault("chat_url", cfg.ChatURL)
	v.SetDefault("presence_url", cfg.PresenceURL)

	v.SetDefault("connection.base_delay", cfg.Connection.BaseDelay)
	v.SetDefault("connection.max_delay", cfg.Connection.MaxDelay)
	v.SetDefault("connection.max_attempts", cfg.Connection.MaxAttempts)
	v.SetDefault("connection.dial_timeout", cfg.Connection.DialTimeout)
	v.SetDefault("connection.keepalive_interval", cfg.Connection.KeepaliveInterval)

	v.SetDefault("history.edit_window", cfg.History.EditWindow)
	v.SetDefault("history.autosend_max_age", cfg.History.AutosendMaxAge)

	v.SetDefault("presence.autoaway", cfg.Presence.Autoaway)
	v.SetDefault("presence.autoaway_timeout", cfg.Presence.AutoawayTimeout)
	v.SetDefault("presence.persist", cfg.Presence.Persist)

	v.SetDefault("calls.livekit_url", cfg.Calls.LiveKitURL)
	v.SetDefault("calls.livekit_api_key", cfg.Calls.LiveKitAPIKey)
	v.SetDefault("calls.livekit_api_secret", cfg.Calls.LiveKitAPISecret)
	v.SetDefault("calls.video_devices", cfg.Calls.VideoDevices)

	v.SetDefault("control.addr", cfg.Control.Addr)
	v.SetDefault("control.password_hash", cfg.Control.PasswordHash)
	v.SetDefault("control.jwt_secret", cfg.Control.JWTSecret)
	v.SetDefault("control.jwt_ttl", cfg.Control.JWTTTL)
	v.SetDefault("control.read_header_timeout", cfg.Control.ReadHeaderTimeout)
	v.SetDefault("control.shutdown_timeout", cfg.Control.ShutdownTimeout)
	v.SetDefault("control.login_rate_limit", cfg.Control.LoginRateLimit)
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.DiscoveryURL == "" && c.ChatURL == "" {
		return errors.New("config: either discovery_url or chat_url is required")
	}
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("config: connection.max_attempts must be positive, got %d", c.Connection.MaxAttempts)
	}
	if c.Connection.BaseDelay <= 0 || c.Connection.MaxDelay < c.Connection.BaseDelay {
		return errors.New("config: connection delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.History.EditWindow <= 0 {
		return errors.New("config: history.edit_window must be positive")
	}
	if c.Presence.Autoaway && c.Presence.AutoawayTimeout <= 0 {
		return errors.New("config: presence.autoaway_timeout must be positive when autoaway is enabled")
	}
	return nil
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
