// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jobrunner/orbis/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. ORBIS_SERVER_HOST.
const EnvPrefix = "ORBIS"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Query    QueryConfig    `mapstructure:"query"`
	Raster   RasterConfig   `mapstructure:"raster"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	JobStore JobStoreConfig `mapstructure:"jobstore"`
	Status   StatusConfig   `mapstructure:"status"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig describes the platform API endpoint and credentials.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	BasePath       string        `mapstructure:"base_path"`
	Protocol       string        `mapstructure:"protocol"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	PasswordFile   string        `mapstructure:"password_file"`
	APIKey         string        `mapstructure:"api_key"`
	Auth           string        `mapstructure:"auth"` // basic, bearer
	TokenPath      string        `mapstructure:"token_path"`
	VerifyTLS      bool          `mapstructure:"verify_tls"`
	Timeout        time.Duration `mapstructure:"timeout"` // Response header wait
	Retries        int           `mapstructure:"retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// StorageConfig holds object storage configuration for staging uploads.
type StorageConfig struct {
	Type       string        `mapstructure:"type"` // none, local, s3, azure, gcs, http
	LocalPath  string        `mapstructure:"local_path"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
	S3         S3Config      `mapstructure:"s3"`
	Azure      AzureConfig   `mapstructure:"azure"`
	GCS        GCSConfig     `mapstructure:"gcs"`
	HTTP       HTTPConfig    `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// GCSConfig holds Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// HTTPConfig holds the read-only HTTP mirror configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// QueryConfig holds query lifecycle configuration.
type QueryConfig struct {
	DownloadDir       string        `mapstructure:"download_dir"`
	ReuseCache        bool          `mapstructure:"reuse_cache"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Timeout           time.Duration `mapstructure:"timeout"` // 0 waits forever
	BucketTimeout     time.Duration `mapstructure:"bucket_timeout"`
	ManifestCacheSize int           `mapstructure:"manifest_cache_size"`
	CacheIndex        string        `mapstructure:"cache_index"` // fs, redis
}

// RasterConfig selects the raster decoder.
type RasterConfig struct {
	Decoder string `mapstructure:"decoder"` // auto, xtiff, native
}

// VectorConfig tunes vector decoding.
type VectorConfig struct {
	H3Resolution int `mapstructure:"h3_resolution"` // -1 disables
}

// UploadConfig holds upload pool and inbox configuration.
type UploadConfig struct {
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StatusTimeout  time.Duration `mapstructure:"status_timeout"` // 0 waits forever
	MetadataSuffix string        `mapstructure:"metadata_suffix"`
	LayerIDs       []int64       `mapstructure:"layer_ids"`
	Inbox          []string      `mapstructure:"inbox"`
	SyncPrefix     string        `mapstructure:"sync_prefix"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
}

// QueueConfig holds project queue configuration.
type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	SubmitPause   time.Duration `mapstructure:"submit_pause"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LogEvery      time.Duration `mapstructure:"log_every"`
}

// RedisConfig configures the shared archive cache index.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// KafkaConfig configures lifecycle event publishing.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// JobStoreConfig configures persistence of query ids and tracking ids.
type JobStoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StatusConfig holds the local status server configuration.
type StatusConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration for the status server.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Enabled returns true if CORS is configured with at least one origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text, console
}

// Defaults sets the default configuration values.
func Defaults(v *viper.Viper) {
	// Platform API defaults. Empty defaults register the keys for env binding.
	v.SetDefault("server.host", "")
	v.SetDefault("server.user", "")
	v.SetDefault("server.password", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.protocol", "https")
	v.SetDefault("server.base_path", "/")
	v.SetDefault("server.password_file", "~/.orbis/passwords")
	v.SetDefault("server.auth", "basic")
	v.SetDefault("server.token_path", "auth/token")
	v.SetDefault("server.verify_tls", true)
	v.SetDefault("server.timeout", 60*time.Second)
	v.SetDefault("server.retries", 3)
	v.SetDefault("server.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("server.retry_max_delay", 30*time.Second)

	// Storage defaults
	v.SetDefault("storage.type", "none")
	v.SetDefault("storage.presign_ttl", time.Hour)
	v.SetDefault("storage.http.index_file", "index.txt")
	v.SetDefault("storage.http.timeout", 60*time.Second)

	// Query defaults
	v.SetDefault("query.download_dir", "./downloads")
	v.SetDefault("query.reuse_cache", false)
	v.SetDefault("query.poll_interval", 10*time.Second)
	v.SetDefault("query.timeout", 0)
	v.SetDefault("query.bucket_timeout", 0)
	v.SetDefault("query.manifest_cache_size", 128)
	v.SetDefault("query.cache_index", "fs")

	v.SetDefault("raster.decoder", "auto")
	v.SetDefault("vector.h3_resolution", -1)

	// Upload defaults
	v.SetDefault("upload.workers", 4)
	v.SetDefault("upload.poll_interval", 30*time.Second)
	v.SetDefault("upload.status_timeout", 0)
	v.SetDefault("upload.metadata_suffix", ".meta.json")
	v.SetDefault("upload.sync_interval", 5*time.Minute)

	// Queue defaults
	v.SetDefault("queue.max_concurrent", 5)
	v.SetDefault("queue.submit_pause", 2*time.Second)
	v.SetDefault("queue.poll_interval", 30*time.Second)
	v.SetDefault("queue.log_every", time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "orbis:")
	v.SetDefault("redis.lock_ttl", 10*time.Minute)

	v.SetDefault("kafka.topic", "orbis.events")

	v.SetDefault("jobstore.enabled", true)
	v.SetDefault("jobstore.path", "~/.orbis/orbis.db")

	// Status server defaults
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 8089)
	v.SetDefault("status.read_timeout", 30*time.Second)
	v.SetDefault("status.write_timeout", 30*time.Second)
	v.SetDefault("status.shutdown_timeout", 10*time.Second)
	v.SetDefault("status.cors.allowed_origins", []string{})

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "orbis")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// New returns a viper instance with defaults, the .env file and
// environment binding applied.
func New() *viper.Viper {
	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: ignoring .env: %v\n", err)
	}

	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load loads configuration from environment and config file into v. Pass
// the instance flags were bound to, or nil for a fresh one.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = New()
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.orbis")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration. It never touches the network.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.Protocol) {
	case "http", "https":
	default:
		return &domain.ConfigError{Field: "server.protocol", Message: fmt.Sprintf("must be http or https, got %q", c.Server.Protocol)}
	}
	switch c.Server.Auth {
	case "basic":
	case "bearer":
		if c.Server.TokenPath == "" {
			return &domain.ConfigError{Field: "server.token_path", Message: "required for bearer auth"}
		}
	default:
		return &domain.ConfigError{Field: "server.auth", Message: fmt.Sprintf("unknown auth %q", c.Server.Auth)}
	}
	if c.Server.Retries < 0 {
		return &domain.ConfigError{Field: "server.retries", Message: "must not be negative"}
	}

	switch c.Storage.Type {
	case "", "none":
	case "local":
		if c.Storage.LocalPath == "" {
			return &domain.ConfigError{Field: "storage.local_path", Message: "local storage path is required"}
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return &domain.ConfigError{Field: "storage.s3.bucket", Message: "S3 bucket is required"}
		}
		if c.Storage.S3.Region == "" {
			return &domain.ConfigError{Field: "storage.s3.region", Message: "S3 region is required"}
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return &domain.ConfigError{Field: "storage.azure.container", Message: "azure container is required"}
		}
		if c.Storage.Azure.AccountName == "" && c.Storage.Azure.ConnectionString == "" {
			return &domain.ConfigError{Field: "storage.azure", Message: "azure account name or connection string is required"}
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return &domain.ConfigError{Field: "storage.gcs.bucket", Message: "GCS bucket is required"}
		}
	case "http":
		if c.Storage.HTTP.BaseURL == "" {
			return &domain.ConfigError{Field: "storage.http.base_url", Message: "HTTP base URL is required"}
		}
	default:
		return &domain.ConfigError{Field: "storage.type", Message: fmt.Sprintf("unknown storage type %q", c.Storage.Type)}
	}

	if c.Query.DownloadDir == "" {
		return &domain.ConfigError{Field: "query.download_dir", Message: "required"}
	}
	if c.Query.PollInterval <= 0 {
		return &domain.ConfigError{Field: "query.poll_interval", Message: "must be positive"}
	}
	switch c.Query.CacheIndex {
	case "fs":
	case "redis":
		if c.Redis.Addr == "" {
			return &domain.ConfigError{Field: "redis.addr", Message: "required for the redis cache index"}
		}
	default:
		return &domain.ConfigError{Field: "query.cache_index", Message: fmt.Sprintf("unknown cache index %q", c.Query.CacheIndex)}
	}

	switch strings.ToLower(c.Raster.Decoder) {
	case "", "auto", "xtiff", "native":
	default:
		return &domain.ConfigError{Field: "raster.decoder", Message: fmt.Sprintf("unknown decoder %q", c.Raster.Decoder)}
	}
	if c.Vector.H3Resolution < -1 || c.Vector.H3Resolution > 15 {
		return &domain.ConfigError{Field: "vector.h3_resolution", Message: "must be -1 or between 0 and 15"}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return &domain.ConfigError{Field: "kafka.brokers", Message: "required when kafka is enabled"}
	}
	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return &domain.ConfigError{Field: "status.port", Message: fmt.Sprintf("invalid port %d", c.Status.Port)}
	}

	return nil
}

// Address returns the status server address string.
func (c *StatusConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
