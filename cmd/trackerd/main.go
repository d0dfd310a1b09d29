package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/QuocHuannn/fleet-tracker/internal/auth"
	"github.com/QuocHuannn/fleet-tracker/internal/bus"
	"github.com/QuocHuannn/fleet-tracker/internal/config"
	"github.com/QuocHuannn/fleet-tracker/internal/hub"
	"github.com/QuocHuannn/fleet-tracker/internal/ingest"
	"github.com/QuocHuannn/fleet-tracker/internal/processor"
	"github.com/QuocHuannn/fleet-tracker/internal/server"
	"github.com/QuocHuannn/fleet-tracker/internal/store"
)

func main() {
	log.Println("[Tracker] Starting Fleet Tracker...")

	// Load configuration
	cfg := config.Load()

	// Apply database migrations
	if err := store.RunMigrations(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
		log.Fatalf("[Tracker] Failed to migrate database: %v", err)
	}
	log.Println("[Tracker] Database migrated")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("[Tracker] Failed to connect to database: %v", err)
	}
	log.Println("[Tracker] Connected to database")

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
		DB:   0,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()

	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("[Tracker] Failed to connect to Redis: %v", err)
	}
	log.Println("[Tracker] Connected to Redis")
	defer redisClient.Close()

	// Connect to NATS
	natsConn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatalf("[Tracker] Failed to connect to NATS: %v", err)
	}
	log.Println("[Tracker] Connected to NATS")
	defer natsConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage and processing pipeline
	st := store.New(db, redisClient)
	proc := processor.New(st, cfg.DefaultSpeedLimit, cfg.CacheTTL)
	proc.Start(ctx)

	eventBus := bus.New(natsConn)

	// MQTT ingest
	ingestor := ingest.New(cfg, proc, eventBus, st)
	if err := ingestor.Start(); err != nil {
		log.Fatalf("[Tracker] Failed to start ingestor: %v", err)
	}

	// WebSocket hub fed from NATS
	manager := hub.NewManager(st, cfg.ReplayWindow)
	bridge, err := hub.AttachBus(natsConn, manager)
	if err != nil {
		log.Fatalf("[Tracker] Failed to attach hub to NATS: %v", err)
	}
	defer bridge.Close()

	// Token resolution: external auth service if configured, local JWT otherwise
	var resolver auth.TokenResolver
	if cfg.AuthServiceURL != "" {
		resolver = auth.NewHTTPResolver(cfg.AuthServiceURL, cfg.AuthTimeout)
		log.Printf("[Tracker] Using auth service at %s", cfg.AuthServiceURL)
	} else {
		resolver = auth.NewJWTResolver(cfg.JWTSecret)
		log.Println("[Tracker] Using local JWT validation")
	}

	// HTTP server
	srv := server.NewServer(ctx, cfg, manager, resolver, ingestor, st)
	srv.Setup()

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatalf("[Tracker] Failed to start server: %v", err)
		}
	}()

	log.Printf("[Tracker] Server ready on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("[Tracker] Shutting down...")

	ingestor.Stop()
	manager.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Tracker] HTTP shutdown error: %v", err)
	}

	log.Println("[Tracker] Server stopped")
}
