package config

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/policy"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	LockBackendRedis = "redis"
	LockBackendLocal = "local"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Tracing. An empty endpoint discards spans.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPProtocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`

	StoreDriver string `env:"STORE_DRIVER" env-default:"postgres"`

	// PostgreSQL
	DatabaseHost                string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName            string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword            string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                string        `env:"DB_NAME" env-default:"clover"`
	DatabaseSSLMode             string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	DatabaseMigrationFolderPath string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`

	// Redis
	RedisURL      string `env:"REDIS_URL" env-default:""`
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Locking
	LockBackend   string        `env:"LOCK_BACKEND" env-default:"redis"`
	LockKeyPrefix string        `env:"LOCK_KEY_PREFIX" env-default:"clover:lock:"`
	LockTTL       time.Duration `env:"LOCK_TTL" env-default:"30s"`
	LockTimeout   time.Duration `env:"LOCK_TIMEOUT" env-default:"5s"`

	// Graph projection (Memgraph)
	GraphEnabled    bool   `env:"GRAPH_ENABLED" env-default:"true"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`
	GraphDialect    string `env:"GRAPH_DIALECT" env-default:"memgraph"`

	// Kafka consumer (account drafts)
	KafkaBrokers         []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string        `env:"KAFKA_INPUT_TOPIC" env-default:"identity-drafts"`
	KafkaConsumerGroup   string        `env:"KAFKA_CONSUMER_GROUP" env-default:"clover-resolver"`
	KafkaConsumerEnabled bool          `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`
	KafkaConsumerWorkers int           `env:"DRAFT_WORKER_COUNT" env-default:"4"`
	KafkaMaxBackoff      time.Duration `env:"KAFKA_MAX_BACKOFF" env-default:"30s"`

	// Kafka projection consumer (identity events into the graph)
	KafkaProjectionConsumerGroup string `env:"KAFKA_PROJECTION_CONSUMER_GROUP" env-default:"clover-graph-projector"`

	// Kafka producer (identity events)
	KafkaProducerEnabled bool   `env:"KAFKA_PRODUCER_ENABLED" env-default:"true"`
	KafkaOutputTopic     string `env:"KAFKA_OUTPUT_TOPIC" env-default:"identity-events"`
	KafkaBatchSize       int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout    int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks    int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Identity resolution policy
	AutoMergeThreshold        float64           `env:"AUTO_MERGE_THRESHOLD" env-default:"0.85"`
	ReviewThreshold           float64           `env:"REVIEW_THRESHOLD" env-default:"0.60"`
	SystemAutoMergeThresholds map[string]string `env:"SYSTEM_AUTO_MERGE_THRESHOLDS"`
	SystemReviewThresholds    map[string]string `env:"SYSTEM_REVIEW_THRESHOLDS"`
	NameWeight                float64           `env:"NAME_WEIGHT" env-default:"0.40"`
	UsernameWeight            float64           `env:"USERNAME_WEIGHT" env-default:"0.40"`
	DomainWeight              float64           `env:"DOMAIN_WEIGHT" env-default:"0.20"`
	EmailExemptSystems        []string          `env:"EMAIL_EXEMPT_SYSTEMS"`
	OrgDomains                []string          `env:"ORG_DOMAINS"`
	PublicEmailDomains        []string          `env:"PUBLIC_EMAIL_DOMAINS"`
	DomainAliases             map[string]string `env:"DOMAIN_ALIASES"`
	CandidateLimit            int               `env:"CANDIDATE_LIMIT" env-default:"25"`
	ActivityPenalty           float64           `env:"ACTIVITY_PENALTY" env-default:"0.15"`
	ActivityGraceDays         int               `env:"ACTIVITY_GRACE_DAYS" env-default:"30"`
	ActivityExemptSystems     []string          `env:"ACTIVITY_EXEMPT_SYSTEMS" env-default:"github"`
	BotPatterns               []string          `env:"BOT_PATTERNS" env-separator:";"`
	ResolveMaxRetries         int               `env:"RESOLVE_MAX_RETRIES" env-default:"3"`
}

// Load reads an optional .env file and then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return models.NewValidationError("STORE_DRIVER", fmt.Sprintf("unknown store driver %q", c.StoreDriver))
	}
	switch c.LockBackend {
	case LockBackendRedis, LockBackendLocal:
	default:
		return models.NewValidationError("LOCK_BACKEND", fmt.Sprintf("unknown lock backend %q", c.LockBackend))
	}
	if c.ResolveMaxRetries < 0 {
		return models.NewValidationError("RESOLVE_MAX_RETRIES", "must not be negative")
	}
	return nil
}

// DatabaseDSN builds the lib/pq connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}

// Policy builds the matching policy from the identity keys. Unset list and
// alias keys fall back to the built-in defaults.
func (c *Config) Policy() (*policy.Config, error) {
	s := policy.DefaultSettings()
	s.Thresholds = policy.Thresholds{AutoLink: c.AutoMergeThreshold, Review: c.ReviewThreshold}
	s.Weights = policy.Weights{Name: c.NameWeight, Username: c.UsernameWeight, Domain: c.DomainWeight}
	s.EmailExemptSystems = clean(c.EmailExemptSystems)
	s.OrgDomains = clean(c.OrgDomains)
	s.ActivityExemptSystems = clean(c.ActivityExemptSystems)
	s.ActivityPenalty = c.ActivityPenalty
	s.ActivityGraceDays = c.ActivityGraceDays
	s.CandidateLimit = c.CandidateLimit

	if public := clean(c.PublicEmailDomains); len(public) > 0 {
		s.PublicDomains = public
	}
	if len(c.DomainAliases) > 0 {
		aliases := maps.Clone(normalizers.DefaultDomainAliases)
		for from, to := range c.DomainAliases {
			aliases[strings.TrimSpace(from)] = strings.TrimSpace(to)
		}
		s.DomainAliases = aliases
	}
	if bots := clean(c.BotPatterns); len(bots) > 0 {
		s.BotPatterns = bots
	}

	overrides, err := systemOverrides(c.SystemAutoMergeThresholds, c.SystemReviewThresholds)
	if err != nil {
		return nil, err
	}
	s.SystemOverrides = overrides

	return policy.New(s)
}

func systemOverrides(autoLink, review map[string]string) (map[string]policy.SystemOverride, error) {
	out := map[string]policy.SystemOverride{}
	for system, raw := range autoLink {
		v, err := parseThreshold("SYSTEM_AUTO_MERGE_THRESHOLDS", system, raw)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(system))
		o := out[key]
		o.AutoLink = &v
		out[key] = o
	}
	for system, raw := range review {
		v, err := parseThreshold("SYSTEM_REVIEW_THRESHOLDS", system, raw)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(system))
		o := out[key]
		o.Review = &v
		out[key] = o
	}
	return out, nil
}

func parseThreshold(field, system, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, models.NewValidationError(field, fmt.Sprintf("invalid threshold %q for system %q", raw, system))
	}
	return v, nil
}

func clean(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return slices.Clip(out)
}
