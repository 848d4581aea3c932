// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat gateway.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the gateway configuration. Values are layered: defaults,
// then an optional YAML file, then environment variables, then flags.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	RoomTTL        time.Duration `yaml:"room_ttl"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	// MaxRoomMembers caps room size. Zero means unlimited.
	MaxRoomMembers int `yaml:"max_room_members"`
	SendBufferSize int `yaml:"send_buffer_size"`
	ServerID       string `yaml:"server_id"`

	RedisURL      string `yaml:"redis_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	LogLevel    string `yaml:"log_level"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 64 * 1024
	defaultBurst          = 20
	defaultAuthTimeout    = 10 * time.Second
	defaultRoomTTL        = 300 * time.Second
	defaultPresenceTTL    = time.Hour
	defaultPersistTimeout = 5 * time.Second
	defaultSendBufferSize = 256
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		AuthTimeout:    defaultAuthTimeout,
		RoomTTL:        defaultRoomTTL,
		PresenceTTL:    defaultPresenceTTL,
		PersistTimeout: defaultPersistTimeout,
		SendBufferSize: defaultSendBufferSize,
		LogLevel:       "info",
	}
}

// sanitize replaces unusable values with defaults and normalizes origins.
func (cfg Config) sanitize() Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = defaultRoomTTL
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.MaxRoomMembers < 0 {
		cfg.MaxRoomMembers = 0
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.ServerID == "" {
		cfg.ServerID = defaultServerID()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func defaultServerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "gateway"
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path (when non-empty) over the defaults
// and then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if v := os.Getenv("AUTH_TIMEOUT"); v != "" {
		cfg.AuthTimeout = parseSeconds(v, cfg.AuthTimeout)
	}
	if v := os.Getenv("ROOM_TTL"); v != "" {
		cfg.RoomTTL = parseSeconds(v, cfg.RoomTTL)
	}
	if v := os.Getenv("PRESENCE_TTL"); v != "" {
		cfg.PresenceTTL = parseSeconds(v, cfg.PresenceTTL)
	}
	if v := os.Getenv("PERSIST_TIMEOUT"); v != "" {
		cfg.PersistTimeout = parseSeconds(v, cfg.PersistTimeout)
	}
	if v := os.Getenv("MAX_ROOM_MEMBERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRoomMembers = n
		}
	}
	if v := os.Getenv("SEND_BUFFER_SIZE"); v != "" {
		cfg.SendBufferSize = parseIntValue(v, cfg.SendBufferSize)
	}
	if v := os.Getenv("SERVER_ID"); v != "" {
		cfg.ServerID = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
