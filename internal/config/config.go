package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	envPrefix = "LIVECLASS"
)

// Config is shared by the relay server and the participant binary.
type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Router    RouterConfig    `mapstructure:"router"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Classroom ClassroomConfig `mapstructure:"classroom"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins is matched against the WebSocket Origin header.
	// A single "*" accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
}

type RouterConfig struct {
	SignalsPerMinute int `mapstructure:"signals_per_minute"`
	EventsPerMinute  int `mapstructure:"events_per_minute"`
}

type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ClassroomConfig tunes the participant-side core.
type ClassroomConfig struct {
	ServerURL            string        `mapstructure:"server_url"`
	ConnectAttempts      int           `mapstructure:"connect_attempts"`
	ConnectBaseDelay     time.Duration `mapstructure:"connect_base_delay"`
	ConnectMaxDelay      time.Duration `mapstructure:"connect_max_delay"`
	QueueLimit           int           `mapstructure:"queue_limit"`
	FlushBatchSize       int           `mapstructure:"flush_batch_size"`
	FlushInterval        time.Duration `mapstructure:"flush_interval"`
	NotebookThrottle     time.Duration `mapstructure:"notebook_throttle"`
	MonitoringThrottle   time.Duration `mapstructure:"monitoring_throttle"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	NegotiationTimeout   time.Duration `mapstructure:"negotiation_timeout"`
	QualityInterval      time.Duration `mapstructure:"quality_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ICEServers           []string      `mapstructure:"ice_servers"`
}

// Load reads defaults, then an optional config file, then the .env file
// and LIVECLASS_* environment variables. Later sources win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.AllowedOrigins = splitAndTrim(cfg.Server.AllowedOrigins)
	cfg.Classroom.ICEServers = splitAndTrim(cfg.Classroom.ICEServers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the defaults without consulting the environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvProduction)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.path", "./data/liveclass.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.write_timeout", "30s")

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.buffer_size", 100)
	v.SetDefault("websocket.max_message_bytes", 8<<20)

	v.SetDefault("router.signals_per_minute", 600)
	v.SetDefault("router.events_per_minute", 100)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "liveclass")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("classroom.server_url", "ws://localhost:8080/ws")
	v.SetDefault("classroom.connect_attempts", 5)
	v.SetDefault("classroom.connect_base_delay", "1s")
	v.SetDefault("classroom.connect_max_delay", "5s")
	v.SetDefault("classroom.queue_limit", 1000)
	v.SetDefault("classroom.flush_batch_size", 10)
	v.SetDefault("classroom.flush_interval", "100ms")
	v.SetDefault("classroom.notebook_throttle", "1s")
	v.SetDefault("classroom.monitoring_throttle", "2s")
	v.SetDefault("classroom.reconnect_delay", "3s")
	v.SetDefault("classroom.max_reconnect_attempts", 5)
	v.SetDefault("classroom.negotiation_timeout", "30s")
	v.SetDefault("classroom.quality_interval", "5s")
	v.SetDefault("classroom.heartbeat_interval", "5s")
	v.SetDefault("classroom.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	// 0 binds an ephemeral port
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 0 and 65535")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.WriteTimeout <= 0 {
		return fmt.Errorf("database write timeout must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("websocket ping interval must be shorter than read timeout")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("websocket buffer size must be positive")
	}
	if c.Router.SignalsPerMinute <= 0 || c.Router.EventsPerMinute <= 0 {
		return fmt.Errorf("router rate limits must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	if c.Classroom.ConnectAttempts <= 0 {
		return fmt.Errorf("classroom connect attempts must be positive")
	}
	if c.Classroom.FlushBatchSize <= 0 {
		return fmt.Errorf("classroom flush batch size must be positive")
	}
	if c.Classroom.NotebookThrottle <= 0 || c.Classroom.MonitoringThrottle <= 0 {
		return fmt.Errorf("classroom throttle windows must be positive")
	}
	return nil
}

// Addr is the listen address of the relay.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// splitAndTrim flattens comma separated entries coming from env vars.
func splitAndTrim(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
