package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Tracer Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Listener   ListenerConfig   `yaml:"listener"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	WsRelay    WsRelayConfig    `yaml:"ws_relay"`
	Security   SecurityConfig   `yaml:"security"`
}

// DispatcherConfig shapes the host event dispatcher's accept surface
// (spec §4.3): the object type and instrumentation modes it will
// accept, and whether it advertises a signal socket.
type DispatcherConfig struct {
	Port           string   `yaml:"port"`
	ObjectType     int32    `yaml:"object_type"`
	AllowedModes   []string `yaml:"allowed_modes"`
	WantSignalPort bool     `yaml:"want_signal_port"`
	StatusPort     string   `yaml:"status_port"`
}

// ListenerConfig shapes the three standard listeners (spec §4.4, §6).
type ListenerConfig struct {
	TraceName string `yaml:"trace_name"`
	Append    bool   `yaml:"append"`
	Pre       string `yaml:"pre"`
	Post      string `yaml:"post"`
	JUnit     bool   `yaml:"junit"`
	Relay     bool   `yaml:"relay"`
	RelayAddr string `yaml:"relay_addr"`
}

// RedisConfig configures the optional cross-host coverage merge
// (internal/listener/redisstore).
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the optional coverage-history sink
// (internal/listener/pgstore).
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// WsRelayConfig configures the optional dashboard WebSocket mirror
// (internal/listener/wsrelay).
type WsRelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig configures the optional SPIFFE/mTLS transport for the
// runtime probe's connection to the dispatcher (internal/runtimeprobe).
type SecurityConfig struct {
	MTLSEnabled       bool   `yaml:"mtls_enabled"`
	WorkloadAPISocket string `yaml:"workload_api_socket"`
	TrustDomain       string `yaml:"trust_domain"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading a local .env file
// first (if present) so environment overrides can be supplied without
// exporting shell variables, the way godotenv.Load is used for local
// development in the teacher's cmd entrypoints.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env file", "error", err)
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Dispatcher.Port = getEnv("TRACER_PORT", c.Dispatcher.Port)
	c.Dispatcher.StatusPort = getEnv("TRACER_STATUS_PORT", c.Dispatcher.StatusPort)
	if v := getEnvInt("TRACER_OBJECT_TYPE", 0); v != 0 {
		c.Dispatcher.ObjectType = int32(v)
	}
	if modes := getEnv("TRACER_ALLOWED_MODES", ""); modes != "" {
		c.Dispatcher.AllowedModes = splitCSV(modes)
	}
	c.Dispatcher.WantSignalPort = getEnvBool("TRACER_WANT_SIGNAL_PORT", c.Dispatcher.WantSignalPort)

	c.Listener.TraceName = getEnv("TRACER_TRACE_NAME", c.Listener.TraceName)
	c.Listener.Append = getEnvBool("TRACER_APPEND", c.Listener.Append)
	c.Listener.Pre = getEnv("TRACER_PRE", c.Listener.Pre)
	c.Listener.Post = getEnv("TRACER_POST", c.Listener.Post)
	c.Listener.JUnit = getEnvBool("TRACER_JUNIT", c.Listener.JUnit)
	c.Listener.Relay = getEnvBool("TRACER_RELAY", c.Listener.Relay)
	c.Listener.RelayAddr = getEnv("TRACER_RELAY_ADDR", c.Listener.RelayAddr)

	c.Redis.Enabled = getEnvBool("TRACER_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("TRACER_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("TRACER_REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("TRACER_REDIS_DB", 0); v != 0 {
		c.Redis.DB = v
	}
	c.Redis.KeyPrefix = getEnv("TRACER_REDIS_KEY_PREFIX", c.Redis.KeyPrefix)

	c.Postgres.Enabled = getEnvBool("TRACER_PG_ENABLED", c.Postgres.Enabled)
	c.Postgres.DSN = getEnv("TRACER_PG_DSN", c.Postgres.DSN)

	c.WsRelay.Enabled = getEnvBool("TRACER_WS_RELAY_ENABLED", c.WsRelay.Enabled)
	c.WsRelay.Path = getEnv("TRACER_WS_RELAY_PATH", c.WsRelay.Path)

	c.Security.MTLSEnabled = getEnvBool("TRACER_MTLS_ENABLED", c.Security.MTLSEnabled)
	c.Security.WorkloadAPISocket = getEnv("TRACER_SPIFFE_SOCKET", c.Security.WorkloadAPISocket)
	c.Security.TrustDomain = getEnv("TRACER_TRUST_DOMAIN", c.Security.TrustDomain)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Dispatcher.Port == "" {
		c.Dispatcher.Port = "4712"
	}
	if c.Dispatcher.StatusPort == "" {
		c.Dispatcher.StatusPort = "8080"
	}
	if len(c.Dispatcher.AllowedModes) == 0 {
		c.Dispatcher.AllowedModes = []string{"Compatible", "OptNormal", "OptSequence", "TraceHashing"}
	}
	if c.Listener.TraceName == "" {
		c.Listener.TraceName = "trace"
	}
	if c.WsRelay.Path == "" {
		c.WsRelay.Path = "/ws/relay"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "tracer:cov:"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
