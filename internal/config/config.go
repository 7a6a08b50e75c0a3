package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Site     SiteConfig
	Trap     TrapConfig
	Database DatabaseConfig
	Auth     AuthConfig
	TLS      TLSConfig
	Ntfy     NtfyConfig
	Logging  LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        string `envconfig:"PORT" default:"3000"`
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	Env         string `envconfig:"NODE_ENV" default:"development"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"funnel-server"`
	Gzip        bool   `envconfig:"GZIP" default:"true"`
	LiveReload  bool   `envconfig:"LIVE_RELOAD" default:"false"`
}

// SiteConfig describes the served page tree
type SiteConfig struct {
	RootDir string `envconfig:"ROOT_DIR" default:"."`
}

// TrapConfig is the server-wide navigation trap policy
type TrapConfig struct {
	RedirectURL    string `envconfig:"BACK_REDIRECT_URL" default:"/back"`
	DelayMS        int    `envconfig:"TRAP_DELAY_MS" default:"100"`
	HistoryEntries int    `envconfig:"TRAP_HISTORY_ENTRIES" default:"1"`
	RearmMS        int    `envconfig:"TRAP_REARM_MS" default:"0"`
	Verbose        bool   `envconfig:"TRAP_VERBOSE" default:"false"`
}

// DatabaseConfig holds the optional sqlite location. Empty disables storage.
type DatabaseConfig struct {
	Path          string `envconfig:"DB_PATH"`
	RetentionDays int    `envconfig:"EVENTS_RETENTION_DAYS" default:"90"`
}

// AuthConfig guards the admin endpoints
type AuthConfig struct {
	Username     string `envconfig:"ADMIN_USER"`
	PasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`
}

// TLSConfig enables automatic HTTPS through certmagic
type TLSConfig struct {
	Domains  []string `envconfig:"TLS_DOMAINS"`
	Email    string   `envconfig:"TLS_EMAIL"`
	HTTPPort string   `envconfig:"TLS_HTTP_PORT" default:"80"`
	Staging  bool     `envconfig:"TLS_STAGING" default:"false"`
}

// NtfyConfig holds ntfy alert settings. An empty topic disables alerts.
type NtfyConfig struct {
	URL   string `envconfig:"NTFY_URL" default:"https://ntfy.sh"`
	Topic string `envconfig:"NTFY_TOPIC"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q: must be between 1 and 65535", c.Server.Port)
	}

	switch c.Server.Env {
	case "development", "production", "test":
	default:
		return fmt.Errorf("invalid environment %q: must be development, production or test", c.Server.Env)
	}

	if c.Site.RootDir == "" {
		return fmt.Errorf("root directory cannot be empty")
	}

	if c.Trap.DelayMS < 0 {
		return fmt.Errorf("trap delay cannot be negative")
	}
	if c.Trap.HistoryEntries < 0 || c.Trap.HistoryEntries > 10 {
		return fmt.Errorf("trap history entries must be between 0 and 10")
	}
	if c.Trap.RearmMS < 0 {
		return fmt.Errorf("trap re-arm interval cannot be negative")
	}

	if (c.Auth.Username == "") != (c.Auth.PasswordHash == "") {
		return fmt.Errorf("ADMIN_USER and ADMIN_PASSWORD_HASH must be set together")
	}

	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("EVENTS_RETENTION_DAYS cannot be negative")
	}

	if c.TLSEnabled() && c.Database.Path == "" {
		return fmt.Errorf("TLS_DOMAINS requires DB_PATH for certificate storage")
	}

	if c.Ntfy.Topic != "" {
		u, err := url.Parse(c.Ntfy.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid NTFY_URL %q", c.Ntfy.URL)
		}
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// AdminEnabled reports whether admin credentials are configured
func (c *Config) AdminEnabled() bool {
	return c.Auth.Username != "" && c.Auth.PasswordHash != ""
}

// TLSEnabled reports whether automatic HTTPS should be used
func (c *Config) TLSEnabled() bool {
	for _, d := range c.TLS.Domains {
		if strings.TrimSpace(d) != "" {
			return true
		}
	}
	return false
}
