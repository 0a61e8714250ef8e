// Package config loads and validates server configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port int `env:"PORT" envDefault:"5050"`

	// Database. DatabaseURL wins when set; otherwise the DSN is composed
	// from the individual DB_* fields.
	DatabaseURL string `env:"DATABASE_URL"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      int    `env:"DB_PORT" envDefault:"5432"`
	DBUser      string `env:"DB_USER" envDefault:"rendezvous"`
	DBPassword  string `env:"DB_PASSWORD" envDefault:""`
	DBName      string `env:"DB_NAME" envDefault:"rendezvous"`

	// Capacity
	MaxPeers     int `env:"MAX_PEERS" envDefault:"4096"`
	MaxLobbies   int `env:"MAX_LOBBIES" envDefault:"1048576"`
	MaxSaveGames int `env:"MAX_SAVE_GAMES" envDefault:"10000"`

	// Timers
	NoLobbyTimeout   time.Duration `env:"NO_LOBBY_TIMEOUT" envDefault:"1s"`
	SealCloseTimeout time.Duration `env:"SEAL_CLOSE_TIMEOUT" envDefault:"10s"`
	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"10s"`
	FlushInterval    time.Duration `env:"FLUSH_INTERVAL" envDefault:"10m"`

	// Rate limiting (per-peer inbound frames)
	MsgRate  int `env:"MSG_RATE" envDefault:"32"`
	MsgBurst int `env:"MSG_BURST" envDefault:"128"`

	// Behavior toggles
	HostChangeBroadcast bool `env:"HOST_CHANGE_BROADCAST" envDefault:"false"`

	// Lobby-code generator seed. Zero means draw a random seed at startup.
	CodeSeed uint64 `env:"CODE_SEED" envDefault:"0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// A missing .env file is fine; production supplies real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxPeers < 1 {
		return fmt.Errorf("MAX_PEERS must be > 0, got %d", c.MaxPeers)
	}
	if c.MaxLobbies < 1 {
		return fmt.Errorf("MAX_LOBBIES must be > 0, got %d", c.MaxLobbies)
	}
	if c.MaxSaveGames < 1 {
		return fmt.Errorf("MAX_SAVE_GAMES must be > 0, got %d", c.MaxSaveGames)
	}
	if c.NoLobbyTimeout <= 0 {
		return fmt.Errorf("NO_LOBBY_TIMEOUT must be > 0, got %v", c.NoLobbyTimeout)
	}
	if c.SealCloseTimeout <= 0 {
		return fmt.Errorf("SEAL_CLOSE_TIMEOUT must be > 0, got %v", c.SealCloseTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be > 0, got %v", c.PingInterval)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be > 0, got %v", c.FlushInterval)
	}
	if c.MsgRate < 1 {
		return fmt.Errorf("MSG_RATE must be > 0, got %d", c.MsgRate)
	}
	if c.MsgBurst < c.MsgRate {
		return fmt.Errorf("MSG_BURST (%d) must be >= MSG_RATE (%d)", c.MsgBurst, c.MsgRate)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName)
}

// LogConfig logs the loaded configuration with structured fields. The DSN
// and password stay out of the log.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("db_host", c.DBHost).
		Int("db_port", c.DBPort).
		Str("db_name", c.DBName).
		Int("max_peers", c.MaxPeers).
		Int("max_lobbies", c.MaxLobbies).
		Int("max_save_games", c.MaxSaveGames).
		Dur("no_lobby_timeout", c.NoLobbyTimeout).
		Dur("seal_close_timeout", c.SealCloseTimeout).
		Dur("ping_interval", c.PingInterval).
		Dur("flush_interval", c.FlushInterval).
		Int("msg_rate", c.MsgRate).
		Int("msg_burst", c.MsgBurst).
		Bool("host_change_broadcast", c.HostChangeBroadcast).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
