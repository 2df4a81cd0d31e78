package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Clickhouse    ClickhouseConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	GeoIP         GeoIPConfig
	Session       SessionConfig
	Rules         RulesConfig
	Verdict       VerdictConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
	// TrackRateLimit caps /track requests per client address per minute;
	// zero disables the limit.
	TrackRateLimit int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled   bool
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	// OperatorSeed lists username=hostname pairs served when ClickHouse
	// is unreachable outside production.
	OperatorSeed []string
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	EventsTopic   string
	VerdictsTopic string
	AuditTopic    string
	GroupID       string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type GeoIPConfig struct {
	CityDBPath string
}

// SessionConfig controls the live session registry and enforcement commands.
type SessionConfig struct {
	Timeout            time.Duration
	SweepInterval      time.Duration
	DefaultRedirectURL string
	RegistryShards     int
	TombstoneTTL       time.Duration
	ChannelBufferSize  int
	MaxChannelClients  int
}

type RulesConfig struct {
	InlineEnforcement bool
	EditLockTTL       time.Duration
}

type VerdictConfig struct {
	ConfidenceThreshold float64
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads the process environment (and an optional .env file)
// into a Config and makes it available through Get.
func LoadConfig() *Config {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()

	cfg := &Config{
		Environment: GetEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:           GetEnvInt("PORT", 8000),
			TLSPort:        GetEnvInt("TLS_PORT", 8443),
			EnableTLS:      GetEnvBool("ENABLE_TLS", false),
			AutoCert:       GetEnvBool("AUTO_CERT", false),
			Domain:         GetEnv("DOMAIN", "localhost"),
			CertFile:       GetEnv("TLS_CERT_FILE", ""),
			KeyFile:        GetEnv("TLS_KEY_FILE", ""),
			AutoCertDir:    GetEnv("AUTO_CERT_DIR", "./certs"),
			Email:          GetEnv("ACME_EMAIL", ""),
			ReadTimeout:    GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   GetEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:    GetEnvList("CORS_ORIGIN", []string{"*"}),
			TrackRateLimit: GetEnvInt("TRACK_RATE_LIMIT", 0),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			Enabled:   GetEnvBool("REDIS_ENABLED", false),
			URL:       GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  GetEnv("REDIS_PASSWORD", ""),
			DB:        GetEnvInt("REDIS_DB", 0),
			PoolSize:  GetEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: GetEnv("REDIS_KEY_PREFIX", "prism:"),
		},
		Clickhouse: ClickhouseConfig{
			URL:          GetEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username:     GetEnv("CLICKHOUSE_USER", "default"),
			Password:     GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database:     GetEnv("CLICKHOUSE_DATABASE", "default"),
			OperatorSeed: GetEnvList("OPERATOR_SEED", nil),
		},
		Scylla: ScyllaConfig{
			Enabled:  GetEnvBool("SCYLLA_ENABLED", false),
			Nodes:    GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: GetEnv("SCYLLA_KEYSPACE", "traffic_prism"),
			Username: GetEnv("SCYLLA_USERNAME", ""),
			Password: GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:       GetEnvBool("KAFKA_ENABLED", false),
			Brokers:       GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventsTopic:   GetEnv("KAFKA_EVENTS_TOPIC", "tracking-events"),
			VerdictsTopic: GetEnv("KAFKA_VERDICTS_TOPIC", "threat-verdicts"),
			AuditTopic:    GetEnv("KAFKA_AUDIT_TOPIC", "enforcement-audit"),
			GroupID:       GetEnv("KAFKA_GROUP_ID", "traffic-prism"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    GetEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   GetEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: GetEnv("ELASTICSEARCH_AUDIT_INDEX", "enforcement-audit"),
		},
		GeoIP: GeoIPConfig{
			CityDBPath: GetEnv("GEOIP_CITY_DB", ""),
		},
		Session: SessionConfig{
			Timeout:            GetEnvDuration("SESSION_TIMEOUT", 15*time.Minute),
			SweepInterval:      GetEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			DefaultRedirectURL: GetEnv("SESSION_REDIRECT_URL", "https://google.com"),
			RegistryShards:     GetEnvInt("SESSION_REGISTRY_SHARDS", 32),
			TombstoneTTL:       GetEnvDuration("SESSION_TOMBSTONE_TTL", 24*time.Hour),
			ChannelBufferSize:  GetEnvInt("SESSION_CHANNEL_BUFFER", 16),
			MaxChannelClients:  GetEnvInt("SESSION_MAX_CHANNEL_CLIENTS", 10000),
		},
		Rules: RulesConfig{
			InlineEnforcement: GetEnvBool("RULES_INLINE_ENFORCEMENT", false),
			EditLockTTL:       GetEnvDuration("RULES_EDIT_LOCK_TTL", 5*time.Second),
		},
		Verdict: VerdictConfig{
			ConfidenceThreshold: GetEnvFloat("VERDICT_CONFIDENCE_THRESHOLD", 0.8),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("PORT must be positive"))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TIMEOUT must be positive"))
	}
	if c.Session.RegistryShards <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_REGISTRY_SHARDS must be positive"))
	}
	if c.Verdict.ConfidenceThreshold < 0 || c.Verdict.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("VERDICT_CONFIDENCE_THRESHOLD must be within [0,1]"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required when Kafka is enabled"))
	}
	if c.Scylla.Enabled && len(c.Scylla.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("SCYLLA_NODES is required when Scylla is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
