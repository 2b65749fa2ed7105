package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable configuration loaded once at boot and passed down
// from the composition root.
type Config struct {
	DatabaseURL    string `mapstructure:"database_url"`
	RedisURL       string `mapstructure:"redis_url"`
	RedisNamespace string `mapstructure:"redis_namespace"`

	GatewayHost string `mapstructure:"gateway_host"`
	GatewayPort int    `mapstructure:"gateway_port"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	TLSCAFile   string `mapstructure:"tls_ca_file"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	TransportMode string `mapstructure:"transport_mode"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	ScheduleInterval  time.Duration `mapstructure:"schedule_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	LeaderLockTTL     time.Duration `mapstructure:"leader_lock_ttl"`

	TaskTimeoutCeiling time.Duration `mapstructure:"task_timeout_ceiling"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	PollBatchSize      int           `mapstructure:"poll_batch_size"`

	LogChunkSize     int           `mapstructure:"log_chunk_size"`
	LogRetentionDays int           `mapstructure:"log_retention_days"`
	LogStreamMaxLen  int64         `mapstructure:"log_stream_maxlen"`
	LogStreamTTL     time.Duration `mapstructure:"log_stream_ttl"`

	// Backend selection per abstraction: "memory" or "redis"
	// (log backend: "local" or "s3")
	CrawlBackend    string `mapstructure:"crawl_backend"`
	DedupBackend    string `mapstructure:"dedup_backend"`
	ProgressBackend string `mapstructure:"progress_backend"`
	LogBackend      string `mapstructure:"log_backend"`
	FileBackend     string `mapstructure:"file_backend"`

	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`

	DataDir      string `mapstructure:"data_dir"`
	IdentityFile string `mapstructure:"identity_file"`
	SecretsDir   string `mapstructure:"secrets_dir"`

	WorkerID  string   `mapstructure:"worker_id"`
	APIKey    string   `mapstructure:"api_key"`
	Secret    string   `mapstructure:"secret"`
	Queues    []string `mapstructure:"queues"`
	LogLevel  string   `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("redis_namespace", "antcode")
	v.SetDefault("gateway_host", "0.0.0.0")
	v.SetDefault("gateway_port", 9431)
	v.SetDefault("transport_mode", "direct")
	v.SetDefault("heartbeat_interval", 15*time.Second)
	v.SetDefault("heartbeat_timeout", 60*time.Second)
	v.SetDefault("schedule_interval", 5*time.Second)
	v.SetDefault("reconcile_interval", 30*time.Second)
	v.SetDefault("leader_lock_ttl", 30*time.Second)
	v.SetDefault("task_timeout_ceiling", 24*time.Hour)
	v.SetDefault("max_concurrent", 5)
	v.SetDefault("poll_batch_size", 5)
	v.SetDefault("log_chunk_size", 64*1024)
	v.SetDefault("log_retention_days", 14)
	v.SetDefault("log_stream_maxlen", 10000)
	v.SetDefault("log_stream_ttl", 24*time.Hour)
	v.SetDefault("crawl_backend", "redis")
	v.SetDefault("dedup_backend", "redis")
	v.SetDefault("progress_backend", "redis")
	v.SetDefault("log_backend", "local")
	v.SetDefault("file_backend", "local")
	v.SetDefault("data_dir", "./antcode-data")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from ANTCODE_-prefixed environment variables and,
// when present, a .env file in the working directory. A secrets directory
// (files named after keys) overrides both: file > env > default.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANTCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read env file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.SecretsDir != "" {
		if err := applySecretsDir(&cfg, cfg.SecretsDir); err != nil {
			return nil, fmt.Errorf("failed to load secrets directory: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.RedisNamespace == "" {
		return fmt.Errorf("redis namespace must not be empty")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.LogChunkSize <= 0 {
		return fmt.Errorf("log_chunk_size must be positive, got %d", c.LogChunkSize)
	}
	switch c.TransportMode {
	case "direct", "gateway":
	default:
		return fmt.Errorf("unknown transport mode %q", c.TransportMode)
	}
	return nil
}

// GatewayAddr returns host:port for the gateway listener.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.GatewayHost, c.GatewayPort)
}
