package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	ML       MLConfig       `mapstructure:"ml"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Raw      RawConfig      `mapstructure:"raw"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// ConnString returns the driver-specific connection string.
func (c *DatabaseConfig) ConnString() string {
	if c.Driver == "postgres" {
		return c.DSN
	}
	if c.DSN != "" {
		return c.DSN
	}
	return c.Path
}

type QdrantConfig struct {
	Host               string  `mapstructure:"host"`
	Port               int     `mapstructure:"port"`
	APIKey             string  `mapstructure:"api_key"`
	UseTLS             bool    `mapstructure:"use_tls"`
	VectorDimension    int     `mapstructure:"vector_dimension"`
	MaxPayloadBytes    int     `mapstructure:"max_payload_bytes"`
	PayloadSafetyRatio float64 `mapstructure:"payload_safety_ratio"`
}

// BatchByteCeiling is the serialized-size ceiling for one upsert request.
func (c *QdrantConfig) BatchByteCeiling() int {
	ratio := c.PayloadSafetyRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.8
	}
	return int(float64(c.MaxPayloadBytes) * ratio)
}

type MLConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CapabilitiesTTL   time.Duration `mapstructure:"capabilities_ttl"`
	CapabilityRetries int           `mapstructure:"capability_retries"`
	Model             string        `mapstructure:"model"`
}

type IngestConfig struct {
	MLBatchSize           int           `mapstructure:"ml_batch_size"` // 0 negotiates with the ML service
	DBBatchSize           int           `mapstructure:"db_batch_size"`
	ProcessorWorkers      int           `mapstructure:"processor_workers"` // 0 derives from batch size
	MLWorkers             int           `mapstructure:"ml_workers"`
	DBWorkers             int           `mapstructure:"db_workers"`
	QueueCapacity         int           `mapstructure:"queue_capacity"`
	MLQueueMultiplier     int           `mapstructure:"ml_queue_multiplier"`
	GatherTimeout         time.Duration `mapstructure:"gather_timeout"`
	DBFlushInterval       time.Duration `mapstructure:"db_flush_interval"`
	ThumbnailSize         int           `mapstructure:"thumbnail_size"`
	TransportMaxDimension int           `mapstructure:"transport_max_dimension"`
	JobRetention          time.Duration `mapstructure:"job_retention"`
	LogLines              int           `mapstructure:"log_lines"`
}

type CacheConfig struct {
	LRUSize int `mapstructure:"lru_size"`
}

type RawConfig struct {
	DecoderCommand string   `mapstructure:"decoder_command"`
	DecoderArgs    []string `mapstructure:"decoder_args"`
	PreferExternal bool     `mapstructure:"prefer_external"`
}

// StorageConfig configures the optional S3-compatible thumbnail store.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible (auto-detected when empty)
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("ml.base_url", "ML_SERVICE_URL")
	v.BindEnv("ingest.ml_batch_size", "ML_BATCH_SIZE")
	v.BindEnv("ingest.db_batch_size", "DB_BATCH_SIZE")
	v.BindEnv("ingest.queue_capacity", "QUEUE_CAPACITY")
	v.BindEnv("raw.decoder_command", "RAW_DECODER")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Ingest.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/photoloom.db")
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.vector_dimension", 512)
	v.SetDefault("qdrant.max_payload_bytes", 32*1024*1024)
	v.SetDefault("qdrant.payload_safety_ratio", 0.8)

	v.SetDefault("ml.base_url", "http://localhost:8001")
	v.SetDefault("ml.timeout", 120*time.Second)
	v.SetDefault("ml.capabilities_ttl", 5*time.Minute)
	v.SetDefault("ml.capability_retries", 3)

	v.SetDefault("ingest.ml_batch_size", 0)
	v.SetDefault("ingest.db_batch_size", 64)
	v.SetDefault("ingest.processor_workers", 0)
	v.SetDefault("ingest.ml_workers", 1)
	v.SetDefault("ingest.db_workers", 1)
	v.SetDefault("ingest.queue_capacity", 256)
	v.SetDefault("ingest.ml_queue_multiplier", 3)
	v.SetDefault("ingest.gather_timeout", 2*time.Second)
	v.SetDefault("ingest.db_flush_interval", 3*time.Second)
	v.SetDefault("ingest.thumbnail_size", 256)
	v.SetDefault("ingest.transport_max_dimension", 1024)
	v.SetDefault("ingest.job_retention", 24*time.Hour)
	v.SetDefault("ingest.log_lines", 50)

	v.SetDefault("cache.lru_size", 4096)

	v.SetDefault("raw.decoder_command", "dcraw")
	v.SetDefault("raw.decoder_args", []string{"-c", "-w", "-T"})
	v.SetDefault("raw.prefer_external", false)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.use_ssl", true)
}
