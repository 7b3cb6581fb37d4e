package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/ticketing/settlement/internal/config"
	"github.com/ticketing/settlement/internal/consumer"
	"github.com/ticketing/settlement/internal/infra"
	"github.com/ticketing/settlement/internal/jobs"
	"github.com/ticketing/settlement/internal/logging"
	"github.com/ticketing/settlement/internal/routes"
	"github.com/ticketing/settlement/internal/server"
)

func main() {
	os.Exit(run())
}

// run owns every resource so its deferred closes complete before main exits
// with the returned code.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			return 1
		}
		defer db.Close()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			return 1
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var events *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 {
		events, err = infra.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error("configure kafka", "error", err)
			return 1
		}
		defer func() {
			if err := events.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}()
	}

	srv, err := server.New(routes.Deps{Cfg: cfg, DB: db, Cache: cache, Kafka: events, Logger: logger})
	if err != nil {
		logger.Error("build server", "error", err)
		return 1
	}
	services := srv.Services()

	scheduler, err := jobs.New(jobs.Config{
		ReconcileSchedule: cfg.ReconcileSchedule,
		PollSchedule:      cfg.PayoutPollSchedule,
		PollAfter:         cfg.PayoutPollAfter,
	}, services.Wallet, services.Withdrawal, logger)
	if err != nil {
		logger.Error("schedule jobs", "error", err)
		return 1
	}
	scheduler.Start()

	// consumerDone stays nil without a broker so the select below ignores it.
	var consumerDone chan error
	if cfg.AMQPURL != "" {
		consumerDone = make(chan error, 1)
		c := consumer.New(consumer.Config{
			URL:     cfg.AMQPURL,
			Queue:   cfg.AMQPQueue,
			Workers: cfg.AMQPWorkers,
		}, consumer.NewDispatcher(services.Funding, logger), logger)
		go func() { consumerDone <- c.Run(ctx) }()
	} else {
		logger.Warn("AMQP_URL not set, verified transactions will not be consumed")
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	case err := <-consumerDone:
		consumerDone = nil
		if err != nil {
			logger.Error("consumer stopped", "error", err)
			exitCode = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}
	scheduler.Stop(shutdownCtx)
	if consumerDone != nil {
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			logger.Warn("consumer did not stop before the shutdown deadline")
		}
	}

	if exitCode == 0 {
		logger.Info("server exited cleanly")
	}
	return exitCode
}
