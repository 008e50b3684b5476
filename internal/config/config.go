// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: YAML files with .env loading, environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Transport backends.
const (
	BackendSocket = "socket"
	BackendPusher = "pusher"
	BackendMemory = "memory"
)

// Config represents the complete support-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Presence  PresenceConfig  `yaml:"presence"`
	Typing    TypingConfig    `yaml:"typing"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve TLS with the tailnet certificate
	Funnel    bool   `yaml:"funnel"` // expose publicly (implies HTTPS)
}

// DatabaseConfig selects and configures the store backend
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// TransportConfig selects the fan-out backend and tunes the dispatcher
type TransportConfig struct {
	Backend         string        `yaml:"backend"`
	PublishAttempts int           `yaml:"publish_attempts"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	PublishTimeout  time.Duration `yaml:"-"`
	Pusher          PusherConfig  `yaml:"pusher"`

	PublishTimeoutRaw string `yaml:"publish_timeout"`
}

// PusherConfig holds Pusher Channels credentials
type PusherConfig struct {
	AppID   string `yaml:"app_id"`
	Key     string `yaml:"key"`
	Secret  string `yaml:"secret"`
	Cluster string `yaml:"cluster"`
	UseTLS  *bool  `yaml:"use_tls"`
}

// TLS reports whether Pusher requests use TLS. Defaults to true.
func (p PusherConfig) TLS() bool {
	return p.UseTLS == nil || *p.UseTLS
}

// PresenceConfig holds socket heartbeat timing
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
}

// TypingConfig controls typing signal suppression
type TypingConfig struct {
	DedupeWindow    time.Duration `yaml:"-"`
	DedupeWindowRaw string        `yaml:"dedupe_window"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// token checks and the gateway trusts identity fields in requests.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Enabled reports whether tokens are required.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// CORSConfig lists origins allowed to call the API from a browser
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file location: $SUPPORT_CONFIG, else
// $XDG_CONFIG_HOME/support-gateway/gateway.yaml (~/.config when unset).
func DefaultPath() string {
	if p := os.Getenv("SUPPORT_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "support-gateway", "gateway.yaml")
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding the existing environment. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:5000"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "./support.db"
	}
	if c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "support"
	}
	if c.Transport.Backend == "" {
		c.Transport.Backend = BackendSocket
	}
	if c.Transport.PublishAttempts == 0 {
		c.Transport.PublishAttempts = 2
	}
	if c.Transport.PublishTimeout == 0 {
		c.Transport.PublishTimeout = 5 * time.Second
	}
	if c.Transport.Workers == 0 {
		c.Transport.Workers = 8
	}
	if c.Transport.QueueSize == 0 {
		c.Transport.QueueSize = 1024
	}
	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = 25 * time.Second
	}
	if c.Presence.HeartbeatTimeout == 0 {
		c.Presence.HeartbeatTimeout = 60 * time.Second
	}
	if c.Typing.DedupeWindow == 0 {
		c.Typing.DedupeWindow = 2 * time.Second
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required when database.driver is mongo")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMongo, c.Database.Driver)
	}

	if !slices.Contains([]string{BackendSocket, BackendPusher, BackendMemory}, c.Transport.Backend) {
		return fmt.Errorf("transport.backend must be socket, pusher or memory, got %q", c.Transport.Backend)
	}
	if c.Transport.PublishAttempts < 1 {
		return fmt.Errorf("transport.publish_attempts must be at least 1")
	}
	if c.Transport.Workers < 1 || c.Transport.QueueSize < 1 {
		return fmt.Errorf("transport.workers and transport.queue_size must be positive")
	}

	if c.Presence.HeartbeatTimeout <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("presence.heartbeat_timeout must be greater than presence.heartbeat_interval")
	}

	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.publish_timeout", cfg.Transport.PublishTimeoutRaw, &cfg.Transport.PublishTimeout},
		{"presence.heartbeat_interval", cfg.Presence.HeartbeatIntervalRaw, &cfg.Presence.HeartbeatInterval},
		{"presence.heartbeat_timeout", cfg.Presence.HeartbeatTimeoutRaw, &cfg.Presence.HeartbeatTimeout},
		{"typing.dedupe_window", cfg.Typing.DedupeWindowRaw, &cfg.Typing.DedupeWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// Example is a commented starting configuration written by "support-gateway init".
const Example = `# support-gateway configuration
server:
  http_addr: "localhost:5000"

tailscale:
  enabled: false
  hostname: "support"
  auth_key: "${TS_AUTHKEY}"

database:
  driver: sqlite            # sqlite | mongo
  path: "./support.db"
  mongo_uri: "${MONGODB_URI}"
  mongo_database: "support"

transport:
  backend: socket           # socket | pusher | memory
  publish_attempts: 2
  publish_timeout: "5s"
  workers: 8
  queue_size: 1024
  pusher:
    app_id: "${PUSHER_APP_ID}"
    key: "${PUSHER_KEY}"
    secret: "${PUSHER_SECRET}"
    cluster: "${PUSHER_CLUSTER}"

presence:
  heartbeat_interval: "25s"
  heartbeat_timeout: "60s"

typing:
  dedupe_window: "2s"

auth:
  jwt_secret: "${SUPPORT_JWT_SECRET}"

cors:
  allowed_origins: ["*"]

logging:
  level: info
  format: text
`
