// Package config provides centralized configuration management for all backbone services.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/backbone/common/middleware"
)

// Config is the master configuration struct. Each process reads the sections it needs.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Bus        BusConfig        `mapstructure:"bus"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Tokens     TokensConfig     `mapstructure:"tokens"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	DLQ        DLQConfig        `mapstructure:"dlq"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServiceConfig identifies this process to the registry.
type ServiceConfig struct {
	Name          string `mapstructure:"name"`
	InstanceID    string `mapstructure:"instance_id"`
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds a request when no deadline was propagated.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig selects the store backend. Type is "postgres" or "memory".
type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings. Every service has its own database.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// DSN renders a postgres connection URL.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     p.Database,
		RawQuery: "sslmode=" + p.SSLMode,
	}
	return u.String()
}

// BusConfig selects and tunes the event bus backend: "memory", "jetstream" or "kafka".
type BusConfig struct {
	Backend      string        `mapstructure:"backend"`
	Retention    time.Duration `mapstructure:"retention"`
	MaxDeliver   int           `mapstructure:"max_deliver"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Replicas      int           `mapstructure:"replicas"`
}

// KafkaConfig holds Kafka broker configuration
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// TokensConfig holds the token signing and trust configuration.
// Issuers need SigningKeys; every verifier needs TrustedKeys.
type TokensConfig struct {
	Issuer      string             `mapstructure:"issuer"`
	TTL         time.Duration      `mapstructure:"ttl"`
	Grace       time.Duration      `mapstructure:"grace"`
	SigningKeys []SigningKeyConfig `mapstructure:"signing_keys"`
	TrustedKeys []TrustedKeyConfig `mapstructure:"trusted_keys"`
}

// SigningKeyConfig is a base64 Ed25519 seed. The last key without RetiredAt is current.
type SigningKeyConfig struct {
	ID        string `mapstructure:"id"`
	Seed      string `mapstructure:"seed"`
	RetiredAt string `mapstructure:"retired_at"` // RFC3339
}

// TrustedKeyConfig is a base64 Ed25519 public key.
type TrustedKeyConfig struct {
	ID        string `mapstructure:"id"`
	PublicKey string `mapstructure:"public_key"`
	RetiredAt string `mapstructure:"retired_at"` // RFC3339
}

// HeartbeatConfig controls registration publishing.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// DLQConfig holds dead letter queue configuration
type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BasePath string `mapstructure:"base_path"`
}

// GatewayConfig holds edge gateway configuration
type GatewayConfig struct {
	Routes    []RouteConfig         `mapstructure:"routes"`
	Retry     RetryConfig           `mapstructure:"retry"`
	Breaker   BreakerConfig         `mapstructure:"breaker"`
	Registry  RegistryConfig        `mapstructure:"registry"`
	RateLimit RateLimitConfig       `mapstructure:"rate_limit"`
	AccessLog AccessLogConfig       `mapstructure:"access_log"`
	CORS      middleware.CORSConfig `mapstructure:"cors"`
}

// RouteConfig declares one gateway route. Match is "exact" or "prefix".
type RouteConfig struct {
	Name        string        `mapstructure:"name"`
	Match       string        `mapstructure:"match"`
	Path        string        `mapstructure:"path"`
	Methods     []string      `mapstructure:"methods"`
	Service     string        `mapstructure:"service"`
	Roles       []string      `mapstructure:"roles"`
	Anonymous   bool          `mapstructure:"anonymous"`
	Timeout     time.Duration `mapstructure:"timeout"`
	StripPrefix string        `mapstructure:"strip_prefix"`
}

// RetryConfig bounds gateway retries across an instance pool.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// BreakerConfig tunes per-instance circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

// RegistryConfig tunes the service registry.
type RegistryConfig struct {
	Staleness time.Duration `mapstructure:"staleness"`
}

// RateLimitConfig holds per-subject rate limiting configuration
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// AccessLogConfig selects access log sinks beyond the structured logger.
type AccessLogConfig struct {
	OpenSearch    bool          `mapstructure:"opensearch"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// IdentityConfig holds identity service configuration
type IdentityConfig struct {
	BcryptCost     int                  `mapstructure:"bcrypt_cost"`
	BootstrapAdmin BootstrapAdminConfig `mapstructure:"bootstrap_admin"`
}

// BootstrapAdminConfig seeds an administrator on first start when Username is set.
type BootstrapAdminConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// AuditConfig holds the HMAC secret that signs audit records. Empty leaves them unsigned.
type AuditConfig struct {
	Secret string `mapstructure:"secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from configPath (or $BACKBONE_CONFIG_DIR/config.yaml
// when empty) and BACKBONE_* environment variables. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configDir := os.Getenv("BACKBONE_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/backbone"
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BACKBONE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Gateway.Routes) == 0 {
		cfg.Gateway.Routes = DefaultRoutes()
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Gateway.Routes = DefaultRoutes()
	return &cfg
}

// DefaultRoutes is the public route table of the gateway.
func DefaultRoutes() []RouteConfig {
	post := []string{"POST"}
	get := []string{"GET"}
	return []RouteConfig{
		{Name: "auth-register", Match: "exact", Path: "/api/auth/register", Methods: post, Service: "identity", Anonymous: true, StripPrefix: "/api"},
		{Name: "auth-login", Match: "exact", Path: "/api/auth/login", Methods: post, Service: "identity", Anonymous: true, StripPrefix: "/api"},
		{Name: "auth", Match: "prefix", Path: "/api/auth/", Service: "identity", StripPrefix: "/api"},
		{Name: "users", Match: "prefix", Path: "/api/users/", Methods: post, Service: "identity", Roles: []string{"admin"}, StripPrefix: "/api"},
		{Name: "products-read", Match: "prefix", Path: "/api/products", Methods: get, Service: "catalog", StripPrefix: "/api"},
		{Name: "products-write", Match: "prefix", Path: "/api/products", Methods: []string{"POST", "PUT"}, Service: "catalog", Roles: []string{"staff", "admin"}, StripPrefix: "/api"},
		{Name: "orders", Match: "prefix", Path: "/api/orders", Service: "ordering", Roles: []string{"customer", "staff", "admin"}, StripPrefix: "/api"},
		{Name: "notifications", Match: "prefix", Path: "/api/notifications", Methods: get, Service: "notification", StripPrefix: "/api"},
	}
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "")
	v.SetDefault("service.instance_id", "")
	v.SetDefault("service.advertise_addr", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "10s")

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "backbone")
	v.SetDefault("database.postgres.user", "backbone")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 5)

	v.SetDefault("bus.backend", "jetstream")
	v.SetDefault("bus.retention", "168h")
	v.SetDefault("bus.max_deliver", 10)
	v.SetDefault("bus.retry_backoff", "500ms")
	v.SetDefault("bus.max_backoff", "30s")

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.replicas", 1)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.partitions", 6)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("tokens.issuer", "backbone-identity")
	v.SetDefault("tokens.ttl", "15m")
	v.SetDefault("tokens.grace", "1h")

	v.SetDefault("heartbeat.interval", "5s")

	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.retry_backoff", "500ms")
	v.SetDefault("outbox.max_backoff", "30s")

	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.base_path", "/var/lib/backbone/dlq")

	v.SetDefault("gateway.retry.max_attempts", 3)
	v.SetDefault("gateway.retry.backoff", "100ms")
	v.SetDefault("gateway.retry.max_backoff", "1s")
	v.SetDefault("gateway.breaker.failure_threshold", 5)
	v.SetDefault("gateway.breaker.cool_down", "10s")
	v.SetDefault("gateway.breaker.probe_timeout", "2s")
	v.SetDefault("gateway.registry.staleness", "15s")
	v.SetDefault("gateway.rate_limit.enabled", false)
	v.SetDefault("gateway.rate_limit.requests", 600)
	v.SetDefault("gateway.rate_limit.window", "1m")
	v.SetDefault("gateway.access_log.opensearch", false)
	v.SetDefault("gateway.access_log.flush_interval", "5s")
	v.SetDefault("gateway.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("gateway.cors.allowed_headers", []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.HeaderCorrelationID})
	v.SetDefault("gateway.cors.exposed_headers", []string{middleware.HeaderCorrelationID, "Retry-After"})
	v.SetDefault("gateway.cors.max_age", 300)

	v.SetDefault("identity.bcrypt_cost", 12)

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index", "backbone-access")

	v.SetDefault("audit.secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
