package config

import (
	"fmt"
	"strings"
	"time"
)

// Config contains all runtime settings for the bot operations console.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Session SessionConfig `koanf:"session"`
	Webhook WebhookConfig `koanf:"webhook"`
	Store   StoreConfig   `koanf:"store"`
	Remote  RemoteConfig  `koanf:"remote"`
	Reports ReportsConfig `koanf:"reports"`
	Metrics MetricsConfig `koanf:"metrics"`
	Logging LoggingConfig `koanf:"logging"`
}

type ServerConfig struct {
	BindAddr        string        `koanf:"bind_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowAnyOrigin  bool          `koanf:"allow_any_origin"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// RateLimitRPS caps requests per client IP per second; 0 disables.
	RateLimitRPS int `koanf:"rate_limit_rps"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
}

type WebhookConfig struct {
	HealthTimeout time.Duration `koanf:"health_timeout"`
	SendTimeout   time.Duration `koanf:"send_timeout"`
}

// StoreConfig selects the persistence backend: auto, memory, postgres, sqlite or remote.
type StoreConfig struct {
	Driver      string `koanf:"driver"`
	DatabaseURL string `koanf:"database_url"`
	SQLitePath  string `koanf:"sqlite_path"`
}

// RemoteConfig points at another console deployment whose backend endpoints
// are used when the store driver is remote.
type RemoteConfig struct {
	URL           string        `koanf:"url"`
	Token         string        `koanf:"token"`
	RetryAttempts int           `koanf:"retry_attempts"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	MaxRetryDelay time.Duration `koanf:"max_retry_delay"`
	Timeout       time.Duration `koanf:"timeout"`
}

type ReportsConfig struct {
	PageSize int `koanf:"page_size"`
}

type MetricsConfig struct {
	Namespace string `koanf:"namespace"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BindAddr:        ":8080",
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{},
		},
		Session: SessionConfig{
			InactivityTimeout: 30 * time.Minute,
		},
		Webhook: WebhookConfig{
			HealthTimeout: 8 * time.Second,
			SendTimeout:   10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "auto",
		},
		Remote: RemoteConfig{
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
			MaxRetryDelay: 4 * time.Second,
			Timeout:       15 * time.Second,
		},
		Reports: ReportsConfig{
			PageSize: 10,
		},
		Metrics: MetricsConfig{
			Namespace: "botconsole",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks ranges and resolves the auto store driver.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.BindAddr) == "" {
		return fmt.Errorf("APP_BIND_ADDR must not be empty")
	}
	if c.Session.InactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.Webhook.HealthTimeout < 5*time.Second || c.Webhook.HealthTimeout > 10*time.Second {
		return fmt.Errorf("WEBHOOK_HEALTH_TIMEOUT must be between 5s and 10s")
	}
	if c.Webhook.SendTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_SEND_TIMEOUT must be positive")
	}
	if c.Remote.RetryAttempts < 1 {
		return fmt.Errorf("CONSOLE_API_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Remote.RetryDelay < 0 {
		return fmt.Errorf("CONSOLE_API_RETRY_DELAY must be >= 0")
	}
	if c.Remote.MaxRetryDelay < 0 {
		return fmt.Errorf("CONSOLE_API_MAX_RETRY_DELAY must be >= 0")
	}
	if c.Reports.PageSize <= 0 {
		return fmt.Errorf("REPORTS_PAGE_SIZE must be positive")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("APP_RATE_LIMIT_RPS must be >= 0")
	}

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "", "auto":
		switch {
		case strings.TrimSpace(c.Store.DatabaseURL) != "":
			driver = "postgres"
		case strings.TrimSpace(c.Remote.URL) != "":
			driver = "remote"
		default:
			driver = "memory"
		}
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("STORE_DRIVER=sqlite requires SQLITE_PATH")
		}
	case "remote":
		if strings.TrimSpace(c.Remote.URL) == "" {
			return fmt.Errorf("STORE_DRIVER=remote requires CONSOLE_API_URL")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q (expected auto|memory|postgres|sqlite|remote)", c.Store.Driver)
	}
	c.Store.Driver = driver
	return nil
}
