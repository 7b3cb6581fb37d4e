package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/ticketing/settlement/internal/config"
	"github.com/ticketing/settlement/internal/funding"
	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/middleware"
	"github.com/ticketing/settlement/internal/notification"
	"github.com/ticketing/settlement/internal/wallet"
	"github.com/ticketing/settlement/internal/withdrawal"
)

const webhookPrefix = "/api/v1/webhooks"

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Kafka  *kafka.Writer
	Logger *slog.Logger
}

// Services are the domain services shared by HTTP, the queue consumer and the
// scheduled jobs.
type Services struct {
	Store      ledger.Store
	Funding    *funding.Service
	Wallet     *wallet.Service
	Withdrawal *withdrawal.Service
}

// NewServices picks storage and integrations from the available infrastructure.
// Without Postgres the service runs on in-memory backends, which is only
// allowed in development.
func NewServices(d Deps) (*Services, error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.Env)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.Env)
		}
	}

	var (
		store     ledger.Store
		directory withdrawal.Directory
	)
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		directory = withdrawal.NewPostgresDirectory(d.DB)
	} else {
		d.Logger.Warn("DATABASE_URL not set, using in-memory ledger")
		store = ledger.NewInMemory()
		directory = withdrawal.NewMemoryDirectory()
	}

	publisher := notification.Multi{notification.NewLoggerPublisher(d.Logger)}
	if d.Cache != nil && d.Cfg.RedisChannel != "" {
		publisher = append(publisher, notification.NewRedisPublisher(d.Cache, d.Cfg.RedisChannel))
	}
	if d.Kafka != nil {
		publisher = append(publisher, notification.NewKafkaPublisher(d.Kafka))
	}

	provider, err := newPayoutProvider(d.Cfg)
	if err != nil {
		return nil, err
	}

	fundingSvc, err := funding.NewService(store, funding.Config{
		FeeRate:  d.Cfg.PlatformFeeRate,
		Currency: d.Cfg.DefaultCurrency,
	}, publisher, d.Logger)
	if err != nil {
		return nil, err
	}
	withdrawalSvc, err := withdrawal.NewService(store, provider, directory, withdrawal.Config{
		FeeRate:  d.Cfg.WithdrawalFeeRate,
		Currency: d.Cfg.DefaultCurrency,
	}, publisher, d.Logger)
	if err != nil {
		return nil, err
	}

	return &Services{
		Store:      store,
		Funding:    fundingSvc,
		Wallet:     wallet.NewService(store, d.Cfg.DefaultCurrency, publisher, d.Logger),
		Withdrawal: withdrawalSvc,
	}, nil
}

func newPayoutProvider(cfg config.Config) (withdrawal.Provider, error) {
	switch cfg.PayoutProvider {
	case config.PayoutStripe:
		return withdrawal.NewStripeProvider(cfg.StripeSecretKey)
	case config.PayoutStatic, "":
		var outcome ledger.WithdrawalStatus
		if cfg.PayoutOutcome != "" {
			s, err := ledger.ParseWithdrawalStatus(cfg.PayoutOutcome)
			if err != nil {
				return nil, fmt.Errorf("invalid PAYOUT_STATIC_OUTCOME: %w", err)
			}
			outcome = s
		}
		return withdrawal.NewStaticProvider(outcome), nil
	default:
		return nil, fmt.Errorf("unknown payout provider %q", cfg.PayoutProvider)
	}
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, svc *Services) error {
	if d.Cfg.JWTSecret == "" && !d.Cfg.IsDev() {
		return fmt.Errorf("JWT_SECRET is required when APP_ENV=%s", d.Cfg.Env)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	walletHandler := wallet.NewHandler(svc.Wallet)
	withdrawalHandler := withdrawal.NewHandler(svc.Withdrawal, d.Cfg.PayoutWebhookSecret)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Webhooks come before the JWT group so the token check never runs for them.
	RegisterWebhookRoutes(api, withdrawalHandler)

	protected := api.Group("", middleware.JWTAuth(d.Cfg.JWTSecret))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, middleware.IdempotencyConfig{
			TTL:          d.Cfg.IdempotencyTTL,
			SkipPrefixes: []string{webhookPrefix},
		}, d.Logger))
	}

	admin := protected.Group("/admin", middleware.RequireAdmin())
	RegisterWalletAdminRoutes(admin, walletHandler)
	RegisterWithdrawalAdminRoutes(admin, withdrawalHandler)

	limiter := middleware.WithdrawalRateLimit(d.Cache, d.Cfg.WithdrawalsPerMinute)
	RegisterWithdrawalRoutes(protected, withdrawalHandler, limiter)
	RegisterWalletRoutes(protected, walletHandler)

	return nil
}
