package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the application configuration
type Config struct {
	Store    StoreConfig   `env:", prefix=STORE_"`
	MySQL    MySQLConfig   `env:", prefix=MYSQL_"`
	InfluxDB InfluxConfig  `env:", prefix=INFLUXDB_"`
	Redis    RedisConfig   `env:", prefix=REDIS_"`
	NATS     NATSConfig    `env:", prefix=NATS_"`
	Source   SourceConfig  `env:", prefix=SOURCE_"`
	Session  SessionConfig `env:", prefix=SESSION_"`
	Sync     SyncConfig    `env:", prefix=SYNC_"`
	Writer   WriterConfig  `env:", prefix=WRITER_"`
	Server   ServerConfig  `env:", prefix=SERVER_"`
	Logging  LoggingConfig `env:", prefix=LOG_"`
}

// StoreConfig selects the relational store
type StoreConfig struct {
	Driver string `env:"DRIVER, default=sqlite"` // sqlite or mysql
	Path   string `env:"PATH, default=./data/market.db"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host            string        `env:"HOST, default=localhost"`
	Port            int           `env:"PORT, default=3306"`
	Database        string        `env:"DATABASE, default=market"`
	User            string        `env:"USER, default=market"`
	Password        string        `env:"PASSWORD"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS, default=10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS, default=5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME, default=5m"`
}

// InfluxConfig holds InfluxDB configuration; the bar mirror is off unless enabled
type InfluxConfig struct {
	Enabled     bool          `env:"ENABLED, default=false"`
	URL         string        `env:"URL, default=http://localhost:8086"`
	Token       string        `env:"TOKEN"`
	Org         string        `env:"ORG, default=market-org"`
	Bucket      string        `env:"BUCKET, default=market"`
	Measurement string        `env:"MEASUREMENT, default=bars"`
	Timeout     time.Duration `env:"TIMEOUT, default=10s"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool          `env:"ENABLED, default=false"`
	Host         string        `env:"HOST, default=localhost"`
	Port         int           `env:"PORT, default=6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB, default=0"`
	PoolSize     int           `env:"POOL_SIZE, default=10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS, default=2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT, default=5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=3s"`
	KeyPrefix    string        `env:"KEY_PREFIX, default=market-sync:"`
	ReportTTL    time.Duration `env:"REPORT_TTL, default=168h"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Enabled       bool          `env:"ENABLED, default=false"`
	URL           string        `env:"URL, default=nats://localhost:4222"`
	MaxReconnect  int           `env:"MAX_RECONNECT, default=10"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT, default=2s"`
	DrainTimeout  time.Duration `env:"DRAIN_TIMEOUT, default=30s"`
}

// SourceConfig selects and configures the upstream data provider
type SourceConfig struct {
	Kind      string        `env:"KIND, default=csv"` // csv, http or memory
	DataDir   string        `env:"DATA_DIR, default=./data/source"`
	BaseURL   string        `env:"BASE_URL"`
	Username  string        `env:"USERNAME"`
	Password  string        `env:"PASSWORD"`
	RateLimit float64       `env:"RATE_LIMIT, default=5"` // requests per second
	Timeout   time.Duration `env:"TIMEOUT, default=30s"`
}

// SessionConfig tunes the provider session manager
type SessionConfig struct {
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT, default=600s"`
	AcquireTimeout       time.Duration `env:"ACQUIRE_TIMEOUT, default=30s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL, default=60s"`
	MaxRetries           int           `env:"MAX_RETRIES, default=3"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL, default=500ms"`
}

// SyncConfig tunes the orchestrator and pipeline
type SyncConfig struct {
	Market                 string        `env:"MARKET, default=CN"`
	Frequencies            []string      `env:"FREQUENCIES, default=1d"`
	Workers                int           `env:"WORKERS, default=3"`
	BatchSize              int           `env:"BATCH_SIZE, default=50"`
	OutstandingThreshold   int           `env:"OUTSTANDING_THRESHOLD, default=50"`
	CatalogThreshold       int           `env:"CATALOG_THRESHOLD, default=500"`
	ForceMode              string        `env:"FORCE_MODE"` // batch or serial
	MemoryCeilingMB        uint64        `env:"MEMORY_CEILING_MB, default=1024"`
	InitialLookbackDays    int           `env:"INITIAL_LOOKBACK_DAYS, default=365"`
	StaleAfter             time.Duration `env:"STALE_AFTER, default=24h"`
	GapLookbackDays        int           `env:"GAP_LOOKBACK_DAYS, default=30"`
	MaxGapRepairs          int           `env:"MAX_GAP_REPAIRS, default=10"`
	ValidationLookbackDays int           `env:"VALIDATION_LOOKBACK_DAYS, default=7"`
	ValidationSampleSize   int           `env:"VALIDATION_SAMPLE_SIZE, default=20"`
	MaxPriceChangePct      float64       `env:"MAX_PRICE_CHANGE_PCT, default=20"`
	SuspensionsFile        string        `env:"SUSPENSIONS_FILE"`
	ScheduleAt             string        `env:"SCHEDULE_AT, default=18:30"`
}

// WriterConfig tunes the batch writer
type WriterConfig struct {
	FlushThreshold int `env:"FLUSH_THRESHOLD, default=100"`
	StatementRows  int `env:"STATEMENT_ROWS, default=500"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host         string        `env:"HOST, default=0.0.0.0"`
	Port         int           `env:"PORT, default=9090"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=15s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=json"`
	Output string `env:"OUTPUT, default=stdout"`
}

// Load loads configuration from the environment, after reading .env files
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	return load(&envconfig.Config{Lookuper: envconfig.OsLookuper()})
}

// LoadFromMap loads configuration from a fixed set of variables
func LoadFromMap(vars map[string]string) (*Config, error) {
	return load(&envconfig.Config{Lookuper: envconfig.MapLookuper(vars)})
}

func load(ec *envconfig.Config) (*Config, error) {
	var cfg Config
	ec.Target = &cfg
	if err := envconfig.ProcessWith(context.Background(), ec); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite")
		}
	case "mysql":
		if c.MySQL.Host == "" {
			return fmt.Errorf("MySQL host is required")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	switch c.Source.Kind {
	case "csv", "memory":
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source base URL is required for the http provider")
		}
	default:
		return fmt.Errorf("unsupported source kind: %s", c.Source.Kind)
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync workers must be positive: %d", c.Sync.Workers)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync batch size must be positive: %d", c.Sync.BatchSize)
	}
	switch c.Sync.ForceMode {
	case "", "batch", "serial":
	default:
		return fmt.Errorf("invalid force mode: %s", c.Sync.ForceMode)
	}
	for _, f := range c.Sync.Frequencies {
		switch strings.TrimSpace(f) {
		case "1d", "1w", "1M":
		default:
			return fmt.Errorf("unsupported frequency: %s", f)
		}
	}
	if _, err := time.Parse("15:04", c.Sync.ScheduleAt); err != nil {
		return fmt.Errorf("invalid schedule time %q: %w", c.Sync.ScheduleAt, err)
	}

	if c.Writer.FlushThreshold < 1 {
		return fmt.Errorf("writer flush threshold must be positive: %d", c.Writer.FlushThreshold)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// GetMySQLDSN returns MySQL DSN string
func (c *Config) GetMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.MySQL.User,
		c.MySQL.Password,
		c.MySQL.Host,
		c.MySQL.Port,
		c.MySQL.Database,
	)
}

// GetRedisAddr returns Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetServerAddr returns server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
