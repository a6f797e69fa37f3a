// Package config loads the chat server configuration from an optional YAML
// file and the environment, and normalises it into safe runtime defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tyrowin/dmchat/internal/log"
)

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig
	WebSocket    WebSocketConfig `mapstructure:"websocket"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Database     DatabaseConfig
	MessageStore MessageStoreConfig `mapstructure:"message_store"`
	Cassandra    CassandraConfig
	Directory    DirectoryConfig
	Redis        RedisConfig
	Auth         AuthConfig
	Log          log.Config
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig controls the real-time transport.
type WebSocketConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// DatabaseConfig selects and tunes the SQL database.
type DatabaseConfig struct {
	Driver          string        // sqlite, postgres, mysql
	DSN             string        // overrides the individual fields when set
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string        `mapstructure:"ssl_mode"`
	FilePath        string        `mapstructure:"file_path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// MessageStoreConfig picks the durable message backend.
type MessageStoreConfig struct {
	Backend string // sql or cassandra
}

// CassandraConfig configures the Cassandra message backend.
type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	Username       string
	Password       string
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration
}

// DirectoryConfig configures display-name resolution.
type DirectoryConfig struct {
	Cache         string // memory or redis
	TTL           time.Duration
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// RedisConfig configures the shared name cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// AuthConfig configures token issuance and verification.
type AuthConfig struct {
	JWTSecret             string        `mapstructure:"jwt_secret"`
	TokenTTL              time.Duration `mapstructure:"token_ttl"`
	RequireWebSocketToken bool          `mapstructure:"require_websocket_token"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxMessageSize: 4096,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			SendBuffer:     256,
		},
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			FilePath: "data/chat.db",
			SSLMode:  "disable",
		},
		MessageStore: MessageStoreConfig{Backend: "sql"},
		Cassandra: CassandraConfig{
			Hosts:          []string{"localhost"},
			Keyspace:       "chat",
			Consistency:    "LOCAL_QUORUM",
			ConnectTimeout: 10 * time.Second,
			Timeout:        5 * time.Second,
		},
		Directory: DirectoryConfig{
			Cache:         "memory",
			TTL:           5 * time.Minute,
			LookupTimeout: 3 * time.Second,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "chat:names",
		},
		Auth: AuthConfig{
			TokenTTL: 7 * 24 * time.Hour,
		},
		Log: log.Config{
			Level:       "info",
			ServiceName: "dmchat",
		},
	}
}

// Load reads configuration from configFile (if it exists) and the
// environment. An empty configFile searches ./config/config.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Names used by existing deployments of the chat app.
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS", "ALLOWED_ORIGINS")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.WebSocket.AllowedOrigins = splitList(cfg.WebSocket.AllowedOrigins)
	cfg.Cassandra.Hosts = splitList(cfg.Cassandra.Hosts)

	// FRONTEND_URL is appended rather than replacing the allow-list.
	if frontend := strings.TrimSpace(v.GetString("frontend_url")); frontend != "" {
		cfg.WebSocket.AllowedOrigins = append(cfg.WebSocket.AllowedOrigins, frontend)
	}

	cfg.Sanitize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait)
	v.SetDefault("websocket.write_wait", d.WebSocket.WriteWait)
	v.SetDefault("websocket.send_buffer", d.WebSocket.SendBuffer)

	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "chat")
	v.SetDefault("database.ssl_mode", d.Database.SSLMode)
	v.SetDefault("database.file_path", d.Database.FilePath)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.conn_max_lifetime", 0)
	v.SetDefault("database.log_queries", false)

	v.SetDefault("message_store.backend", d.MessageStore.Backend)

	v.SetDefault("cassandra.hosts", d.Cassandra.Hosts)
	v.SetDefault("cassandra.keyspace", d.Cassandra.Keyspace)
	v.SetDefault("cassandra.consistency", d.Cassandra.Consistency)
	v.SetDefault("cassandra.username", "")
	v.SetDefault("cassandra.password", "")
	v.SetDefault("cassandra.connect_timeout", d.Cassandra.ConnectTimeout)
	v.SetDefault("cassandra.timeout", d.Cassandra.Timeout)

	v.SetDefault("directory.cache", d.Directory.Cache)
	v.SetDefault("directory.ttl", d.Directory.TTL)
	v.SetDefault("directory.lookup_timeout", d.Directory.LookupTimeout)

	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.require_websocket_token", false)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", d.Log.ServiceName)

	v.SetDefault("frontend_url", "")
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Sanitize replaces empty or non-positive values with defaults.
func (c *Config) Sanitize() {
	d := Default()

	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if c.WebSocket.MaxMessageSize <= 0 {
		c.WebSocket.MaxMessageSize = d.WebSocket.MaxMessageSize
	}
	if c.WebSocket.PongWait <= 0 {
		c.WebSocket.PongWait = d.WebSocket.PongWait
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		c.WebSocket.PingInterval = c.WebSocket.PongWait * 9 / 10
	}
	if c.WebSocket.WriteWait <= 0 {
		c.WebSocket.WriteWait = d.WebSocket.WriteWait
	}
	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = d.WebSocket.SendBuffer
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.Driver == "sqlite" && c.Database.FilePath == "" {
		c.Database.FilePath = d.Database.FilePath
	}
	if c.Database.FilePath != "" && c.Database.FilePath != ":memory:" {
		c.Database.FilePath = filepath.Clean(c.Database.FilePath)
	}

	c.MessageStore.Backend = strings.ToLower(strings.TrimSpace(c.MessageStore.Backend))
	if c.MessageStore.Backend == "" {
		c.MessageStore.Backend = d.MessageStore.Backend
	}

	if c.Directory.Cache == "" {
		c.Directory.Cache = d.Directory.Cache
	}
	if c.Directory.TTL <= 0 {
		c.Directory.TTL = d.Directory.TTL
	}
	if c.Directory.LookupTimeout <= 0 {
		c.Directory.LookupTimeout = d.Directory.LookupTimeout
	}

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = d.Auth.TokenTTL
	}
}
