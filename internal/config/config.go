package config

import "time"

// Config holds engine configuration values.
type Config struct {
	LogLevel     string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat    string `mapstructure:"log_format" yaml:"log_format"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	SessionID    string `mapstructure:"session_id" yaml:"session_id"`

	// DiscoveryURL, when set, is asked for the chat and presence endpoints
	// before every connect; ChatURL and PresenceURL are then ignored.
	DiscoveryURL string `mapstructure:"discovery_url" yaml:"discovery_url"`
	ChatURL      string `mapstructure:"chat_url" yaml:"chat_url"`
	PresenceURL  string `mapstructure:"presence_url" yaml:"presence_url"`

	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Presence   PresenceConfig   `mapstructure:"presence" yaml:"presence"`
	Calls      CallsConfig      `mapstructure:"calls" yaml:"calls"`
	Control    ControlConfig    `mapstructure:"control" yaml:"control"`
}

// ConnectionConfig controls dialing, reconnection and keepalive.
type ConnectionConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
}

// HistoryConfig controls message editing and resending.
type HistoryConfig struct {
	EditWindow     time.Duration `mapstructure:"edit_window" yaml:"edit_window"`
	AutosendMaxAge time.Duration `mapstructure:"autosend_max_age" yaml:"autosend_max_age"`
}

// PresenceConfig is the initial own presence configuration.
type PresenceConfig struct {
	Autoaway        bool          `mapstructure:"autoaway" yaml:"autoaway"`
	AutoawayTimeout time.Duration `mapstructure:"autoaway_timeout" yaml:"autoaway_timeout"`
	Persist         bool          `mapstructure:"persist" yaml:"persist"`
}

// CallsConfig configures the media backend.
type CallsConfig struct {
	LiveKitURL       string   `mapstructure:"livekit_url" yaml:"livekit_url"`
	LiveKitAPIKey    string   `mapstructure:"livekit_api_key" yaml:"livekit_api_key"`
	LiveKitAPISecret string   `mapstructure:"livekit_api_secret" yaml:"livekit_api_secret"`
	VideoDevices     []string `mapstructure:"video_devices" yaml:"video_devices"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	PasswordHash      string        `mapstructure:"password_hash" yaml:"password_hash"`
	JWTSecret         string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTTTL            time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// LoginRateLimit caps login attempts per minute; zero disables the cap.
	LoginRateLimit int `mapstructure:"login_rate_limit" yaml:"login_rate_limit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "console",
		DatabasePath: "wirechat-engine.db",
		ChatURL:      "ws://localhost:8080/chat",
		Connection: ConnectionConfig{
			BaseDelay:         500 * time.Millisecond,
			MaxDelay:          30 * time.Second,
			MaxAttempts:       10,
			DialTimeout:       10 * time.Second,
			KeepaliveInterval: 30 * time.Second,
		},
		History: HistoryConfig{
			EditWindow:     time.Hour,
			AutosendMaxAge: 24 * time.Hour,
		},
		Presence: PresenceConfig{
			Autoaway:        true,
			AutoawayTimeout: 10 * time.Minute,
		},
		Control: ControlConfig{
			Addr:              "127.0.0.1:8790",
			JWTTTL:            24 * time.Hour,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			LoginRateLimit:    10,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Used for CLI flag overrides.
func (c *Config) UpdateFrom(other Config) {
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.SessionID != "" {
		c.SessionID = other.SessionID
	}
	if other.DiscoveryURL != "" {
		c.DiscoveryURL = other.DiscoveryURL
	}
	if other.ChatURL != "" {
		c.ChatURL = other.ChatURL
	}
	if other.PresenceURL != "" {
		c.PresenceURL = other.PresenceURL
	}
	if other.Control.Addr != "" {
		c.Control.Addr = other.Control.Addr
	}
}
