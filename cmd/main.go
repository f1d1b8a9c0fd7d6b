package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"fairdraw/internal/config"
	"fairdraw/internal/handlers"
	"fairdraw/internal/ledger"
	"fairdraw/internal/metrics"
	"fairdraw/internal/services"
	"fairdraw/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("FAIRDRAW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// 1. Load configuration (defaults, YAML, .env, environment)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize logging
	var logFile io.Writer = io.Discard
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			logger.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logFile = f
	}
	defer logger.Init("fairdraw", cfg.Log.Verbose, false, logFile).Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the store
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.AutoMigrate {
			if err := store.Migrate(cfg.Store.DSN); err != nil {
				logger.Fatalf("Failed to migrate database: %v", err)
			}
		}
		db, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		st = store.NewPostgresStore(db)
	default:
		logger.Warningf("Using in-memory store; draws are lost on restart")
		st = store.NewMemoryStore()
	}

	// 4. Choose the purchase locker
	var locker ledger.Locker = ledger.NewMutexLocker()
	if cfg.Lock.Driver == "redis" {
		client, err := ledger.NewRedisClient(cfg.Lock.RedisURL)
		if err != nil {
			logger.Fatalf("Failed to configure redis: %v", err)
		}
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatalf("Failed to reach redis: %v", err)
		}
		locker = ledger.NewRedisLocker(client, "fairdraw:lock:", cfg.Lock.TTL)
	}

	// 5. Initialize the Lottery Service
	m := metrics.New()
	lotteryService, err := services.NewLotteryService(st, locker, services.Options{
		SeedBytes:    cfg.Draw.SeedBytes,
		StepCap:      cfg.Draw.StepCap,
		AutoReveal:   cfg.Sweep.AutoReveal,
		ArchiveAfter: cfg.Sweep.ArchiveAfter,
		Metrics:      m,
	})
	if err != nil {
		logger.Fatalf("Failed to create service: %v", err)
	}

	// 6. Initialize the HTTP Handler
	if cfg.Admin.JWTSecret == "" {
		logger.Warningf("No admin secret configured; admin routes are disabled")
	}
	limiter := handlers.NewRateLimiter(cfg.Server.PurchaseRPS, cfg.Server.PurchaseBurst)
	httpHandler := handlers.NewHTTPHandler(lotteryService, limiter, cfg.Admin.JWTSecret)

	// 7. Set up the Gin router
	r := gin.New()
	r.Use(gin.Recovery(), m.Middleware())
	r.GET("/metrics", gin.WrapH(m.Handler()))
	httpHandler.RegisterPublicRoutes(r)
	httpHandler.RegisterAdminRoutes(r)

	// 8. Start the background sweep that reveals and archives finished products
	sweeper, err := lotteryService.StartSweeper(cfg.Sweep.Schedule)
	if err != nil {
		logger.Fatalf("Failed to start sweeper: %v", err)
	}
	defer sweeper.Stop()

	// 9. Run the server
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("Server starting on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
}
