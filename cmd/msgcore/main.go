package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"msgcore/internal/authz"
	"msgcore/internal/config"
	"msgcore/internal/events"
	"msgcore/internal/observability/logging"
	"msgcore/internal/observability/metrics"
	"msgcore/internal/observability/middleware"
	"msgcore/internal/service"
	"msgcore/internal/store"
	transport "msgcore/internal/transport/http"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "msgcore",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("msgcore")

	logger.Info("starting service")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)

	registry := events.NewRegistry(cfg.SessionBuffer)
	publisher := events.Fanout{
		events.NewRedisPublisher(rdb, cfg.EventChannelPrefix),
		registry,
	}

	core := service.New(st, st.Keys(), publisher)

	go sweepExpired(core, cfg.ExpirySweepEvery)

	validator := authz.NewHMACValidator(cfg.AuthSecret, cfg.AuthIssuer)
	mux := transport.NewRouter(core, registry, validator.Middleware)
	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(mux))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("msgcore listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func sweepExpired(core *service.Core, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		removed, err := core.SweepExpired(context.Background())
		if err != nil {
			slog.Warn("expiry sweep failed", "error", err)
			continue
		}
		if removed > 0 {
			slog.Info("expired messages removed", "count", removed)
		}
	}
}
