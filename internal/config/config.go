package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName           = "Settlement"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultCurrency          = "NGN"
	defaultPlatformFeeRate   = "0.10"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultPollAfter         = 10 * time.Minute
	defaultWithdrawalsPerMin = 5
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Payout providers selectable through PAYOUT_PROVIDER.
const (
	PayoutStatic = "static"
	PayoutStripe = "stripe"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	Env      string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string
	// RedisChannel receives wallet events through Redis pub/sub when set.
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPQueue    string
	AMQPWorkers  int

	JWTSecret string

	PlatformFeeRate   decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	DefaultCurrency   string

	PayoutProvider      string
	StripeSecretKey     string
	PayoutWebhookSecret string
	// PayoutOutcome is the status the static provider reports; empty means
	// payouts stay pending until a callback arrives.
	PayoutOutcome string

	ReconcileSchedule  string
	PayoutPollSchedule string
	PayoutPollAfter    time.Duration

	WithdrawalsPerMinute int
	ShutdownPeriod       time.Duration
	IdempotencyTTL       time.Duration
}

// Load reads a .env file when present, then populates a Config from the environment.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		Env:                  strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RedisChannel:         getEnv("REDIS_EVENTS_CHANNEL", "wallet_events"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "wallet.events"),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPQueue:            getEnv("AMQP_QUEUE", "settlement.transactions"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		DefaultCurrency:      strings.ToUpper(getEnv("DEFAULT_CURRENCY", defaultCurrency)),
		PayoutProvider:       strings.ToLower(getEnv("PAYOUT_PROVIDER", PayoutStatic)),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		PayoutWebhookSecret:  os.Getenv("PAYOUT_WEBHOOK_SECRET"),
		PayoutOutcome:        os.Getenv("PAYOUT_STATIC_OUTCOME"),
		ReconcileSchedule:    getEnv("RECONCILE_SCHEDULE", "@every 1h"),
		PayoutPollSchedule:   getEnv("PAYOUT_POLL_SCHEDULE", "@every 10m"),
		PayoutPollAfter:      defaultPollAfter,
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		WithdrawalsPerMinute: defaultWithdrawalsPerMin,
	}

	var err error
	if cfg.PlatformFeeRate, err = rateEnv("PLATFORM_FEE_RATE", defaultPlatformFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.WithdrawalFeeRate, err = rateEnv("WITHDRAWAL_FEE_RATE", "0"); err != nil {
		return Config{}, err
	}
	if cfg.AMQPWorkers, err = intEnv("AMQP_WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.WithdrawalsPerMinute, err = intEnv("WITHDRAWALS_PER_MINUTE", defaultWithdrawalsPerMin); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.PayoutPollAfter, err = durationEnv("", "PAYOUT_POLL_AFTER", defaultPollAfter); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.PayoutProvider {
	case PayoutStatic:
	case PayoutStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY must be set when PAYOUT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("invalid PAYOUT_PROVIDER %q", c.PayoutProvider)
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	return nil
}

// IsDev reports whether the service may fall back to in-memory backends.
func (c Config) IsDev() bool {
	switch c.Env {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts either a whole number of seconds or a Go duration string.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func rateEnv(key, fallback string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("invalid %s: must be in [0, 1)", key)
	}
	return rate, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
