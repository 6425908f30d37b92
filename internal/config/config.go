package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(LoadRewards),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis       RedisConfig
	NATS        NATSConfig
	Payments    PaymentsConfig
	Currency    CurrencyConfig
	Idempotency IdempotencyConfig
	UserLock    UserLockConfig
	RateLimit   RateLimitConfig
	Scheduler   SchedulerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// ProviderSecret is the opaque webhook secret material for one provider.
type ProviderSecret struct {
	Secret          string
	WebhookID       string
	NotificationURL string
}

type PaymentsConfig struct {
	Providers map[string]ProviderSecret
}

// Provider returns the secret material configured for provider.
func (c PaymentsConfig) Provider(provider string) (ProviderSecret, bool) {
	if c.Providers == nil {
		return ProviderSecret{}, false
	}
	secret, ok := c.Providers[strings.ToLower(strings.TrimSpace(provider))]
	return secret, ok
}

type CurrencyConfig struct {
	RateTimeout       time.Duration
	RateSourceURL     string
	RateCacheTTL      time.Duration
	FiatRates         map[string]string
	StaticCryptoRates map[string]string
}

type IdempotencyConfig struct {
	ClaimTTL      time.Duration
	SweepSchedule string
}

type UserLockConfig struct {
	Backend       string
	TTL           time.Duration
	RetryInterval time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
}

// SchedulerConfig drives the background jobs. An empty EnabledJobs runs all of them.
type SchedulerConfig struct {
	Enabled           bool
	EnabledJobs       []string
	ReconcileSchedule string
	ReplaySchedule    string
	BatchSize         int
	JobTimeout        time.Duration
}

var knownProviders = []string{"stripe", "paypal", "venmo", "cashapp", "chime", "zelle", "crypto"}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "loyalty"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "loyalty"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "loyalty.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		NATS: NATSConfig{
			URL:           strings.TrimSpace(getenv("NATS_URL", "")),
			SubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "loyalty"),
		},
		Payments: PaymentsConfig{Providers: loadProviderSecrets()},
		Currency: CurrencyConfig{
			RateTimeout:       getenvDuration("CURRENCY_RATE_TIMEOUT", 3*time.Second),
			RateSourceURL:     getenv("CURRENCY_RATE_SOURCE_URL", "https://api.coinbase.com/v2/prices"),
			RateCacheTTL:      getenvDuration("CURRENCY_RATE_CACHE_TTL", time.Minute),
			FiatRates:         parsePairs(getenv("CURRENCY_FIAT_RATES", "")),
			StaticCryptoRates: parsePairs(getenv("CURRENCY_STATIC_CRYPTO_RATES", "")),
		},
		Idempotency: IdempotencyConfig{
			ClaimTTL:      getenvDuration("IDEMPOTENCY_CLAIM_TTL", 5*time.Minute),
			SweepSchedule: getenv("IDEMPOTENCY_SWEEP_SCHEDULE", "@every 1m"),
		},
		UserLock: UserLockConfig{
			Backend:       strings.ToLower(getenv("USER_LOCK_BACKEND", "memory")),
			TTL:           getenvDuration("USER_LOCK_TTL", 10*time.Second),
			RetryInterval: getenvDuration("USER_LOCK_RETRY_INTERVAL", 25*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("WEBHOOK_RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("WEBHOOK_RATE_LIMIT_RATE", 50),
			WebhookBurst: int(getenvInt64("WEBHOOK_RATE_LIMIT_BURST", 100)),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			EnabledJobs:       parseList(getenv("SCHEDULER_JOBS", "")),
			ReconcileSchedule: getenv("SCHEDULER_RECONCILE_SCHEDULE", "@every 15m"),
			ReplaySchedule:    getenv("SCHEDULER_REPLAY_SCHEDULE", "@every 5m"),
			BatchSize:         int(getenvInt64("SCHEDULER_BATCH_SIZE", 100)),
			JobTimeout:        getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func loadProviderSecrets() map[string]ProviderSecret {
	out := make(map[string]ProviderSecret, len(knownProviders))
	for _, provider := range knownProviders {
		prefix := "PAYMENT_" + strings.ToUpper(provider) + "_"
		secret := ProviderSecret{
			Secret:          strings.TrimSpace(os.Getenv(prefix + "SECRET")),
			WebhookID:       strings.TrimSpace(os.Getenv(prefix + "WEBHOOK_ID")),
			NotificationURL: strings.TrimSpace(os.Getenv(prefix + "NOTIFICATION_URL")),
		}
		if secret.Secret == "" {
			continue
		}
		out[provider] = secret
	}
	return out
}

// parsePairs reads "EUR=1.08,GBP=1.27" style lists.
func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
