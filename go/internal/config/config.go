// Package config loads device and relay settings from an optional YAML file,
// a .env file and the environment, in that order of precedence (lowest
// first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	TransportMemory    = "memory"
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Sync      SyncConfig      `yaml:"sync"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

type DeviceConfig struct {
	Name         string             `yaml:"name"`
	Class        models.DeviceClass `yaml:"class"`
	IdentityPath string             `yaml:"identity_path"`
	ShareBaseURL string             `yaml:"share_base_url"`
}

type SyncConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	HandshakeAttempts int           `yaml:"handshake_attempts"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	TTL      time.Duration  `yaml:"ttl"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	// Listen enables LISTEN/NOTIFY write hints for the postgres driver.
	Listen bool `yaml:"listen"`
}

// DatabaseConfig holds Postgres connection settings. URL, when set, wins
// over the individual fields.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TransportConfig struct {
	Driver   string `yaml:"driver"`
	NATSURL  string `yaml:"nats_url"`
	RelayURL string `yaml:"relay_url"`
}

type RelayConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the settings of a single-machine setup: memory store and
// in-process transport.
func Default() Config {
	d := roomsync.DefaultConfig()
	return Config{
		Device: DeviceConfig{
			Class:        models.DeviceDesktop,
			IdentityPath: ".cuesync/identity.yaml",
			ShareBaseURL: d.ShareBaseURL,
		},
		Sync: SyncConfig{
			TickInterval:      d.TickInterval,
			SyncInterval:      d.SyncInterval,
			HandshakeInterval: d.HandshakeInterval,
			HandshakeAttempts: d.HandshakeAttempts,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			TTL:    d.SnapshotTTL,
			Database: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Password: "postgres",
				Database: "cuesync",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		Transport: TransportConfig{
			Driver:   TransportMemory,
			NATSURL:  "nats://localhost:4222",
			RelayURL: "ws://localhost:8090/ws",
		},
		Relay: RelayConfig{
			Port:           "8090",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{Level: "info", Console: true},
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory, and environment
// overrides, then validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Device.Name = getEnv("CUESYNC_DEVICE_NAME", c.Device.Name)
	c.Device.Class = models.DeviceClass(getEnv("CUESYNC_DEVICE_CLASS", string(c.Device.Class)))
	c.Device.IdentityPath = getEnv("CUESYNC_IDENTITY_PATH", c.Device.IdentityPath)
	c.Device.ShareBaseURL = getEnv("CUESYNC_SHARE_BASE_URL", c.Device.ShareBaseURL)

	c.Sync.TickInterval = getEnvAsDuration("CUESYNC_TICK_INTERVAL", c.Sync.TickInterval)
	c.Sync.SyncInterval = getEnvAsDuration("CUESYNC_SYNC_INTERVAL", c.Sync.SyncInterval)
	c.Sync.HandshakeInterval = getEnvAsDuration("CUESYNC_HANDSHAKE_INTERVAL", c.Sync.HandshakeInterval)
	c.Sync.HandshakeAttempts = getEnvAsInt("CUESYNC_HANDSHAKE_ATTEMPTS", c.Sync.HandshakeAttempts)

	c.Store.Driver = getEnv("CUESYNC_STORE", c.Store.Driver)
	c.Store.TTL = getEnvAsDuration("CUESYNC_SNAPSHOT_TTL", c.Store.TTL)
	c.Store.Listen = getEnvAsBool("CUESYNC_STORE_LISTEN", c.Store.Listen)
	db := &c.Store.Database
	db.URL = getEnv("DATABASE_URL", db.URL)
	db.Host = getEnv("DB_HOST", db.Host)
	db.Port = getEnvAsInt("DB_PORT", db.Port)
	db.User = getEnv("DB_USER", db.User)
	db.Password = getEnv("DB_PASSWORD", db.Password)
	db.Database = getEnv("DB_NAME", db.Database)
	db.SSLMode = getEnv("DB_SSLMODE", db.SSLMode)
	c.Store.Redis.Addr = getEnv("REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.Redis.DB = getEnvAsInt("REDIS_DB", c.Store.Redis.DB)

	c.Transport.Driver = getEnv("CUESYNC_TRANSPORT", c.Transport.Driver)
	c.Transport.NATSURL = getEnv("NATS_URL", c.Transport.NATSURL)
	c.Transport.RelayURL = getEnv("RELAY_URL", c.Transport.RelayURL)

	c.Relay.Port = getEnv("RELAY_PORT", c.Relay.Port)
	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		c.Relay.AllowedOrigins = splitList(origins)
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Console = getEnvAsBool("LOG_CONSOLE", c.Log.Console)
}

// Validate fills zero values with defaults and rejects unknown drivers.
func (c *Config) Validate() error {
	d := Default()
	if c.Device.Class == "" {
		c.Device.Class = d.Device.Class
	}
	if c.Sync.TickInterval <= 0 {
		c.Sync.TickInterval = d.Sync.TickInterval
	}
	if c.Sync.SyncInterval <= 0 {
		c.Sync.SyncInterval = d.Sync.SyncInterval
	}
	if c.Sync.HandshakeInterval <= 0 {
		c.Sync.HandshakeInterval = d.Sync.HandshakeInterval
	}
	if c.Sync.HandshakeAttempts <= 0 {
		c.Sync.HandshakeAttempts = d.Sync.HandshakeAttempts
	}
	if c.Store.TTL <= 0 {
		c.Store.TTL = d.Store.TTL
	}
	if c.Relay.Port == "" {
		c.Relay.Port = d.Relay.Port
	}

	switch c.Store.Driver {
	case StoreMemory, StorePostgres, StoreRedis:
	case "":
		c.Store.Driver = StoreMemory
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	switch c.Transport.Driver {
	case TransportMemory, TransportNATS, TransportWebSocket:
	case "":
		c.Transport.Driver = TransportMemory
	default:
		return fmt.Errorf("%w: unknown transport driver %q", ErrInvalidConfig, c.Transport.Driver)
	}
	if c.Sync.TickInterval > c.Sync.SyncInterval {
		return fmt.Errorf("%w: tick interval %s exceeds sync interval %s", ErrInvalidConfig, c.Sync.TickInterval, c.Sync.SyncInterval)
	}
	return nil
}

// Roomsync returns the protocol timings for a roomsync.Manager.
func (c *Config) Roomsync() roomsync.Config {
	cfg := roomsync.DefaultConfig()
	cfg.TickInterval = c.Sync.TickInterval
	cfg.SyncInterval = c.Sync.SyncInterval
	cfg.HandshakeInterval = c.Sync.HandshakeInterval
	cfg.HandshakeAttempts = c.Sync.HandshakeAttempts
	cfg.SnapshotTTL = c.Store.TTL
	cfg.ShareBaseURL = c.Device.ShareBaseURL
	return cfg
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-integer env value")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration env value")
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
