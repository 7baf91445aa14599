package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/TheTomik1/chat-app/internal/logging"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int `mapstructure:"rate_limit_burst"`
	RefillInterval time.Duration
}

// StoreConfig selects the thread and account backend.
type StoreConfig struct {
	Driver   string `mapstructure:"store_driver"`
	MongoURI string `mapstructure:"mongo_uri"`
	MongoDB  string `mapstructure:"mongo_db"`
}

// FilesConfig selects where attachments and profile pictures live.
type FilesConfig struct {
	Driver     string `mapstructure:"files_driver"`
	Dir        string `mapstructure:"files_dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

// AuthConfig configures session credentials.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// RedisConfig enables the shared API rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"redis_addr"`
	Password string `mapstructure:"redis_password"`
	DB       int    `mapstructure:"redis_db"`
}

// KafkaConfig enables the event journal when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string `mapstructure:"kafka_topic"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Env             string        `mapstructure:"app_env"`
	LogLevel        string        `mapstructure:"log_level"`
	Port            string        `mapstructure:"server_port"`
	AllowedOrigins  []string      `mapstructure:"-"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
	PermitPolicy    string        `mapstructure:"permit_policy"`
	APIRatePerMin   int           `mapstructure:"api_rate_limit_per_min"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	RateLimit RateLimitConfig `mapstructure:",squash"`
	Store     StoreConfig     `mapstructure:",squash"`
	Files     FilesConfig     `mapstructure:",squash"`
	Auth      AuthConfig      `mapstructure:",squash"`
	Redis     RedisConfig     `mapstructure:",squash"`
	Kafka     KafkaConfig     `mapstructure:",squash"`
}

func defaultConfig() Config {
	return Config{
		Env:      "production",
		LogLevel: "info",
		Port:     ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  8192,
		MaxUploadSize:   10 << 20,
		PermitPolicy:    "client",
		APIRatePerMin:   120,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Store: StoreConfig{
			Driver:  "memory",
			MongoDB: "chat",
		},
		Files: FilesConfig{
			Driver: "disk",
			Dir:    "uploads",
		},
		Auth: AuthConfig{
			SessionTTL: 7 * 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "chat-events",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Env == "" {
		cfg.Env = def.Env
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = def.MaxUploadSize
	}
	if cfg.PermitPolicy == "" {
		cfg.PermitPolicy = def.PermitPolicy
	}
	if cfg.APIRatePerMin <= 0 {
		cfg.APIRatePerMin = def.APIRatePerMin
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.MongoDB == "" {
		cfg.Store.MongoDB = def.Store.MongoDB
	}
	if cfg.Files.Driver == "" {
		cfg.Files.Driver = def.Files.Driver
	}
	if cfg.Files.Dir == "" {
		cfg.Files.Dir = def.Files.Dir
	}
	if cfg.Auth.SessionTTL <= 0 {
		cfg.Auth.SessionTTL = def.Auth.SessionTTL
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = def.Kafka.Topic
	}

	cfg.AllowedOrigins, _ = normalizeOrigins(cfg.AllowedOrigins)
	return cfg
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Files.Driver {
	case "disk", "memory":
	case "s3":
		if c.Files.S3Bucket == "" {
			return errors.New("S3_BUCKET is required when FILES_DRIVER=s3")
		}
	default:
		return fmt.Errorf("unknown FILES_DRIVER %q", c.Files.Driver)
	}
	if c.Auth.JWTSecret == "" && !logging.IsDevelopment(c.Env) {
		return errors.New("JWT_SECRET is required outside development")
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(defaultConfig())
	return &cfg
}

// NewConfigFromEnv creates a Config from the environment and an optional
// .env file in the working directory.
func NewConfigFromEnv() (*Config, error) {
	return LoadConfig("")
}

// LoadConfig reads the configuration. Environment variables override the
// YAML file at path, which overrides the defaults. An empty path skips the
// file.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	def := defaultConfig()
	v.SetDefault("app_env", def.Env)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("server_port", def.Port)
	v.SetDefault("allowed_origins", strings.Join(def.AllowedOrigins, ","))
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("max_upload_size", def.MaxUploadSize)
	v.SetDefault("permit_policy", def.PermitPolicy)
	v.SetDefault("api_rate_limit_per_min", def.APIRatePerMin)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout.String())
	v.SetDefault("rate_limit_burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit_refill_interval", "1")
	v.SetDefault("store_driver", def.Store.Driver)
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_db", def.Store.MongoDB)
	v.SetDefault("files_driver", def.Files.Driver)
	v.SetDefault("files_dir", def.Files.Dir)
	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("session_ttl", def.Auth.SessionTTL.String())
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", def.Kafka.Topic)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = stringList(v.Get("allowed_origins"))
	cfg.Kafka.Brokers = stringList(v.Get("kafka_brokers"))
	cfg.RateLimit.RefillInterval = parseRefillInterval(v.GetString("rate_limit_refill_interval"), def.RateLimit.RefillInterval)

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stringList accepts a comma-separated string from the environment or a
// list from the config file.
func stringList(value any) []string {
	var parts []string
	switch v := value.(type) {
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseRefillInterval accepts whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
