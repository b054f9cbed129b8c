// Package config builds the service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	// DefaultTier applies to callers that do not send a tier header.
	DefaultTier string
}

// Log selects level and encoding for the slog handler.
type Log struct {
	Level  string
	Format string
}

// RedisConfig configures the shared Redis client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Postgres configures the durable stores. An empty DSN selects in-memory stores.
type Postgres struct {
	DSN            string
	MaxOpenConns   int
	MigrateOnStart bool
}

// Kafka configures the change event stream. No brokers disables publishing.
type Kafka struct {
	Brokers     []string
	ChangeTopic string
	Partitions  int32
}

// Provider holds one upstream endpoint.
type Provider struct {
	BaseURL string
	APIKey  string
	// PerSecond caps upstream calls for single-band providers. Zero means unlimited.
	PerSecond int
}

// Providers configures the four registry connectors and their call budgets.
type Providers struct {
	Regon Provider
	MF    Provider
	VIES  Provider
	IBAN  Provider

	CallTimeout    time.Duration
	RequestTimeout time.Duration
	// StrictNIPChecksum rejects NIPs whose mod-11 check digit does not match.
	StrictNIPChecksum bool
}

// Cache configures snapshot freshness.
type Cache struct {
	DefaultTTL     time.Duration
	BankAccountTTL time.Duration
	// UniformTTL applies DefaultTTL to every provider.
	UniformTTL bool
	// StaleRetention keeps expired snapshots around for fallback.
	StaleRetention time.Duration
}

// RateLimit configures provider bands and caller tiers.
type RateLimit struct {
	Timezone       string
	FreePerHour    int
	PremiumPerHour int
}

// Breaker configures the per-provider circuit breakers.
type Breaker struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// Aggregator configures request composition.
type Aggregator struct {
	WorkerPoolSize int
	// DispositionScope is "request" or "provider".
	DispositionScope string
}

// Webhook configures change delivery.
type Webhook struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleAfter     time.Duration
	ClaimBatch     int
	PerSecond      float64
	RequestTimeout time.Duration
	Issuer         string
}

// Scheduler configures the periodic sweep.
type Scheduler struct {
	Enabled  bool
	Interval time.Duration
}

// Config is the full service configuration.
type Config struct {
	Server     Server
	Log        Log
	Redis      RedisConfig
	Postgres   Postgres
	Kafka      Kafka
	Providers  Providers
	Cache      Cache
	RateLimit  RateLimit
	Breaker    Breaker
	Aggregator Aggregator
	Webhook    Webhook
	Scheduler  Scheduler
}

// FromEnv builds a Config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	p := &parser{}
	cfg := Config{
		Server: Server{
			Addr:            p.str("COMPANYHUB_ADDR", ":8080"),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
			DefaultTier:     p.str("DEFAULT_CALLER_TIER", "free"),
		},
		Log: Log{
			Level:  p.str("LOG_LEVEL", "info"),
			Format: p.str("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:          p.str("REDIS_URL", ""),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: Postgres{
			DSN:            p.str("DATABASE_URL", ""),
			MaxOpenConns:   p.int("DATABASE_MAX_OPEN_CONNS", 10),
			MigrateOnStart: p.bool("DATABASE_MIGRATE", true),
		},
		Kafka: Kafka{
			Brokers:     p.list("KAFKA_BROKERS"),
			ChangeTopic: p.str("KAFKA_CHANGE_TOPIC", "companyhub.changes"),
			Partitions:  int32(p.int("KAFKA_CHANGE_PARTITIONS", 3)),
		},
		Providers: Providers{
			Regon: Provider{
				BaseURL: p.str("REGON_BASE_URL", "http://localhost:9101"),
				APIKey:  p.str("REGON_API_KEY", ""),
			},
			MF: Provider{
				BaseURL:   p.str("MF_BASE_URL", "https://wl-api.mf.gov.pl"),
				PerSecond: p.int("MF_PER_SECOND", 1),
			},
			VIES: Provider{
				BaseURL:   p.str("VIES_BASE_URL", "https://ec.europa.eu/taxation_customs/vies/rest-api"),
				PerSecond: p.int("VIES_PER_SECOND", 5),
			},
			IBAN: Provider{
				BaseURL:   p.str("IBAN_BASE_URL", "http://localhost:9104"),
				APIKey:    p.str("IBAN_API_KEY", ""),
				PerSecond: p.int("IBAN_PER_SECOND", 5),
			},
			CallTimeout:       p.duration("PROVIDER_CALL_TIMEOUT", 10*time.Second),
			RequestTimeout:    p.duration("REQUEST_TIMEOUT", 15*time.Second),
			StrictNIPChecksum: p.bool("STRICT_NIP_CHECKSUM", false),
		},
		Cache: Cache{
			DefaultTTL:     p.duration("CACHE_TTL", 24*time.Hour),
			BankAccountTTL: p.duration("CACHE_BANK_ACCOUNT_TTL", 7*24*time.Hour),
			UniformTTL:     p.bool("CACHE_UNIFORM_TTL", false),
			StaleRetention: p.duration("CACHE_STALE_RETENTION", 30*24*time.Hour),
		},
		RateLimit: RateLimit{
			Timezone:       p.str("RATE_LIMIT_TIMEZONE", "Europe/Warsaw"),
			FreePerHour:    p.int("TIER_FREE_PER_HOUR", 5),
			PremiumPerHour: p.int("TIER_PREMIUM_PER_HOUR", 1000),
		},
		Breaker: Breaker{
			FailureThreshold: p.int("BREAKER_FAILURE_THRESHOLD", 5),
			Window:           p.duration("BREAKER_WINDOW", time.Minute),
			Cooldown:         p.duration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Aggregator: Aggregator{
			WorkerPoolSize:   p.int("WORKER_POOL_SIZE", 16),
			DispositionScope: p.str("DISPOSITION_SCOPE", "request"),
		},
		Webhook: Webhook{
			MaxAttempts:    p.int("WEBHOOK_MAX_ATTEMPTS", 5),
			InitialBackoff: p.duration("WEBHOOK_INITIAL_BACKOFF", 30*time.Second),
			MaxBackoff:     p.duration("WEBHOOK_MAX_BACKOFF", time.Hour),
			StaleAfter:     p.duration("WEBHOOK_STALE_AFTER", 5*time.Minute),
			ClaimBatch:     p.int("WEBHOOK_CLAIM_BATCH", 50),
			PerSecond:      p.float("WEBHOOK_PER_SECOND", 20),
			RequestTimeout: p.duration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
			Issuer:         p.str("WEBHOOK_ISSUER", "companyhub"),
		},
		Scheduler: Scheduler{
			Enabled:  p.bool("SCHEDULER_ENABLED", true),
			Interval: p.duration("SCHEDULER_INTERVAL", 30*time.Second),
		},
	}
	if err := errors.Join(p.err(), cfg.Validate()); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.DefaultTTL <= 0 || c.Cache.BankAccountTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if c.Providers.CallTimeout <= 0 || c.Providers.RequestTimeout <= 0 {
		errs = append(errs, errors.New("provider timeouts must be positive"))
	}
	if c.Aggregator.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	switch c.Aggregator.DispositionScope {
	case "request", "provider":
	default:
		errs = append(errs, fmt.Errorf("DISPOSITION_SCOPE must be request or provider, got %q", c.Aggregator.DispositionScope))
	}
	if c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_ATTEMPTS must be positive"))
	}
	if _, err := time.LoadLocation(c.RateLimit.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// parser collects the first parse error per variable instead of failing fast,
// so a misconfigured deployment reports everything at once.
type parser struct {
	errs []error
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) list(key string) []string {
	v := p.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
