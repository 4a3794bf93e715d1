package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"telehealth-backend/config"
	"telehealth-backend/internal/api"
	"telehealth-backend/internal/availability"
	"telehealth-backend/internal/booking"
	"telehealth-backend/internal/consultation"
	"telehealth-backend/internal/db"
	"telehealth-backend/internal/events"
	"telehealth-backend/internal/noshow"
	"telehealth-backend/internal/store"
	"telehealth-backend/internal/video"
	"telehealth-backend/internal/waitingroom"
	"telehealth-backend/internal/webhook"
)

func main() {
	logger := log.New(os.Stdout, "telehealthd ", log.LstdFlags)

	// Secrets come from the environment; a .env file is a convenience for
	// local development and absent in production.
	if err := godotenv.Load(); err == nil {
		logger.Println(".env file loaded")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded from %s", configPath)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	appStore := store.NewGormStore(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(cfg.Events.KafkaBroker, cfg.Events.KafkaTopic, cfg.Events.WorkerCount)
	bus.Subscribe(events.AuditLogger{})
	bus.Start(ctx)

	registry, err := video.NewRegistry(cfg.Video.DefaultProvider,
		video.NewJitsi(cfg.Video.Jitsi),
		video.NewZoom(cfg.Video.Zoom, cfg.Video.RequestTimeout),
		video.NewWhereby(cfg.Video.Whereby, cfg.Video.RequestTimeout),
	)
	if err != nil {
		logger.Fatalf("failed to build provider registry: %v", err)
	}

	machine := consultation.NewMachine(appStore, registry, bus, cfg.Scheduling, cfg.Video.MaxRetries)
	guard := booking.NewGuard(appStore, bus)
	guard.SetConsultationCanceller(machine)

	resolver := availability.NewResolver(gormDB)
	waiting := waitingroom.NewCoordinator(gormDB, cfg.Scheduling.DefaultVisitMinutes)
	ingestor := webhook.NewIngestor(registry, appStore, machine, waiting)

	if cfg.Sweeper.Enabled {
		sweeper := noshow.NewSweeper(gormDB, machine, cfg.Scheduling.NoShowGraceMinutes)
		if err := sweeper.Start(ctx, cfg.Sweeper.Schedule); err != nil {
			logger.Fatalf("failed to start no-show sweeper: %v", err)
		}
		logger.Printf("no-show sweeper running on schedule %q", cfg.Sweeper.Schedule)
	}

	handler := api.NewHandler(appStore, resolver, guard, machine, waiting, ingestor, cfg.Scheduling)
	router := api.NewRouter(handler, cfg)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	cancel()
	if err := bus.Close(); err != nil {
		logger.Printf("event bus close: %v", err)
	}
	logger.Println("Server gracefully stopped")
}
