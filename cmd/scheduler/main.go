package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dcaengine/internal/cache"
	"dcaengine/internal/config"
	cronrunner "dcaengine/internal/cron"
	"dcaengine/internal/db"
	"dcaengine/internal/engine"
	"dcaengine/internal/handler"
	"dcaengine/internal/ledger"
	"dcaengine/internal/lock"
	"dcaengine/internal/logger"
	"dcaengine/internal/notify"
	"dcaengine/internal/oracle"
	gormrepository "dcaengine/internal/repository/gorm"
	"dcaengine/internal/scheduler"
)

func main() {
	cfgPath := os.Getenv("DCA_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("DCA_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	redisStore := cache.NewRedisStore(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisStore.Client.Close()

	store := gormrepository.New(dbConn.Gorm, cfg.Engine.TxMaxWait, cfg.Engine.TxTimeout)
	locks := lock.NewManager(redisStore.Client, logger)
	priceOracle := &oracle.Client{
		HTTP:     &http.Client{Timeout: cfg.Oracle.Timeout},
		Cache:    redisStore,
		Logger:   logger,
		Endpoint: cfg.Oracle.Endpoint,
		FreshTTL: cfg.Oracle.FreshTTL,
		StaleTTL: cfg.Oracle.StaleTTL,
	}
	ledgerClient := ledger.NewClient(&http.Client{Timeout: cfg.Ledger.Timeout}, cfg.Ledger.BaseURL)

	var notifier notify.Notifier = &notify.LogNotifier{Logger: logger}
	if cfg.Notify.Mode == "webhook" {
		notifier = &notify.WebhookNotifier{
			HTTP:   &http.Client{Timeout: cfg.Notify.Timeout},
			Logger: logger,
			URL:    cfg.Notify.WebhookURL,
		}
	}

	execEngine := &engine.Engine{
		Repo:     store,
		Locks:    locks,
		Oracle:   priceOracle,
		Ledger:   ledgerClient,
		Cache:    &cache.Invalidator{Store: redisStore, Logger: logger},
		Notifier: notifier,
		Logger:   logger,
		Config:   cfg.Engine,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Redis: redisStore.Client}
	healthHandler.Register(router)
	planHandler := &handler.PlanHandler{Repo: store}
	planHandler.Register(router)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Scheduler.Enabled {
		orch := &scheduler.Orchestrator{
			Due:    store,
			Engine: execEngine,
			Locks:  locks,
			Logger: logger,
			Config: cfg.Scheduler,
		}
		if _, err := orch.Register(cronRunner); err != nil {
			logger.Fatal("cron register scheduler tick failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	} else {
		logger.Warn("scheduler disabled, serving read API only")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
