package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/harborchat/relay-service/pkg/config"
)

type Config struct {
	Server      ServerConfig
	WebSocket   WebSocketConfig
	Store       StoreConfig
	Redis       RedisConfig
	Coordinator CoordinatorConfig
	Log         LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type StoreConfig struct {
	// Backend selects the attachment store: "redis" or "memory".
	Backend string
}

type RedisConfig struct {
	Address          string
	Password         string
	DB               int
	AttachmentPrefix string        `mapstructure:"attachment_prefix"`
	AttachmentTTL    time.Duration `mapstructure:"attachment_ttl"`
}

type CoordinatorConfig struct {
	// IdleTTL is how long a coordinator may sit without traffic before it is
	// torn down. Connections stay open; the next payload rebuilds the
	// coordinator from persisted attachments.
	IdleTTL    time.Duration `mapstructure:"idle_ttl"`
	EventQueue int           `mapstructure:"event_queue"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("store.backend", "redis")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.attachment_prefix", "relay:attach")
	v.SetDefault("redis.attachment_ttl", "0s")
	v.SetDefault("coordinator.idle_ttl", "5m")
	v.SetDefault("coordinator.event_queue", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("store.backend", "STORE_BACKEND")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("coordinator.idle_ttl", "COORDINATOR_IDLE_TTL")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Redis.AttachmentTTL = parseDuration(v, "redis.attachment_ttl", 0)
	cfg.Coordinator.IdleTTL = parseDuration(v, "coordinator.idle_ttl", 5*time.Minute)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
