package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/db"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/httpapi"
	"github.com/flowgate/flowgate/internal/notifier"
	"github.com/flowgate/flowgate/internal/publisher"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/resultsink"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgMgr, err := config.NewManager(config.DefaultPath(), zap.NewNop())
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	cfg := cfgMgr.Config()

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable at startup, continuing", zap.Error(err))
	}
	defer rdb.Close()

	es := cfg.EventSource
	var (
		eventLog eventlog.Log
		notif    notifier.Notifier
	)
	switch es.Backend {
	case config.BackendList:
		eventLog = eventlog.NewListLog(rdb, logger, eventlog.ListOptions{
			MaxLen:    es.MaxStreamLength,
			ReadCount: es.ReadCount,
		})
		notif = notifier.NewPubSubNotifier(rdb, logger)
	default:
		eventLog = eventlog.NewStreamLog(rdb, logger, eventlog.StreamOptions{
			MaxLen:    es.MaxStreamLength,
			ReadCount: es.ReadCount,
		})
		notif = notifier.NewStreamNotifier(rdb, logger)
	}
	keys := eventlog.Keys{Prefix: es.StreamPrefix}

	sink := resultsink.New(cfg.ResultSink.BaseURL, cfg.ResultSink.Timeout(), logger)
	pub := publisher.New(eventLog, notif, sink, logger)

	reg := registry.New(rdb, logger, registry.Options{
		ThreadTTL: cfg.Thread.TTL(),
		RunTTL:    cfg.Thread.RunTTL(),
	})
	disp := dispatch.New(rdb, reg, cfg.Broker.Queue, logger)

	var archive *db.Archive
	if cfg.Postgres.Enabled {
		archive, err = db.Open(db.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("open event archive", zap.Error(err))
		}
		defer archive.Close()
	}

	api := httpapi.New(logger, cfgMgr, rdb, reg, disp, pub, eventLog, notif, keys, archive)

	public := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: cors.AllowAll().Handler(api.Routes()),
		// No WriteTimeout: SSE connections stay open for the configured
		// connection_max_duration_minutes and enforce their own deadlines.
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	admin := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", zap.String("addr", admin.Addr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("gateway listening",
			zap.String("addr", public.Addr),
			zap.String("backend", es.Backend),
			zap.String("stream_prefix", es.StreamPrefix))
		if err := public.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := public.Shutdown(shutdownCtx); err != nil {
		logger.Warn("public server shutdown", zap.Error(err))
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if os.Getenv("ENVIRONMENT") == "development" {
		devCfg := zap.NewDevelopmentConfig()
		devCfg.Level = zap.NewAtomicLevelAt(lvl)
		return devCfg.Build()
	}
	prodCfg := zap.NewProductionConfig()
	prodCfg.Level = zap.NewAtomicLevelAt(lvl)
	return prodCfg.Build()
}
