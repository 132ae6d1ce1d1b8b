// Package config reads the chat server settings from the environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"

	"github.com/cyberinferno/lpchat/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the server configuration. Every field maps to one CHAT_*
// environment variable.
type Config struct {
	Host         string        `env:"CHAT_HOST,default=0.0.0.0" validate:"required"`
	Port         int           `env:"CHAT_PORT,default=4545" validate:"min=0,max=65535"`
	Workers      int           `env:"CHAT_WORKERS,default=4" validate:"min=1"`
	TickInterval time.Duration `env:"CHAT_TICK_INTERVAL,default=10ms" validate:"gt=0"`

	HandshakeTimeout time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT,default=10s" validate:"gt=0"`
	IdleTimeout      time.Duration `env:"CHAT_IDLE_TIMEOUT,default=5m" validate:"gt=0"`
	ReadWait         time.Duration `env:"CHAT_READ_WAIT,default=1ms" validate:"gt=0"`
	WriteWait        time.Duration `env:"CHAT_WRITE_WAIT,default=50ms" validate:"gt=0"`
	SendAttempts     int           `env:"CHAT_SEND_ATTEMPTS,default=3" validate:"min=1"`
	StoreTimeout     time.Duration `env:"CHAT_STORE_TIMEOUT,default=2s" validate:"gt=0"`

	DBPath       string        `env:"CHAT_DB_PATH,default=data/lpchat.db" validate:"required"`
	RedisAddr    string        `env:"CHAT_REDIS_ADDR" validate:"omitempty,hostname_port"`
	UserCacheTTL time.Duration `env:"CHAT_USER_CACHE_TTL,default=1m" validate:"gte=0"`
	LogLevel     string        `env:"CHAT_LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	LogDir       string        `env:"CHAT_LOG_DIR"`
}

// FromEnv fills a Config from the process environment without validating
// it, so callers can apply flag overrides first.
func FromEnv() (Config, error) {
	var c Config
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return c, nil
}

// Load is FromEnv followed by Validate.
func Load() (Config, error) {
	c, err := FromEnv()
	if err != nil {
		return Config{}, err
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// BindFlags registers command-line overrides on fs. The current field
// values become the flag defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "listen host")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "listen port")
	fs.IntVar(&c.Workers, "workers", c.Workers, "session worker count")
	fs.DurationVar(&c.TickInterval, "tick", c.TickInterval, "session scheduling interval")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "disconnect idle sessions after this long")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "redis address for the shared user cache")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "write daily log files here in addition to stdout")
}

// ListenAddr joins Host and Port.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SessionConfig returns the per-session settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		IdleTimeout:      c.IdleTimeout,
		ReadWait:         c.ReadWait,
		WriteWait:        c.WriteWait,
		SendAttempts:     c.SendAttempts,
		StoreTimeout:     c.StoreTimeout,
	}
}
