package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/your-org/checkin/internal/api"
	"github.com/your-org/checkin/internal/api/handlers"
	"github.com/your-org/checkin/internal/api/ws"
	"github.com/your-org/checkin/internal/config"
	"github.com/your-org/checkin/internal/enrollment"
	"github.com/your-org/checkin/internal/observability"
	"github.com/your-org/checkin/internal/queue"
	"github.com/your-org/checkin/internal/recognition"
	"github.com/your-org/checkin/internal/storage"
	"github.com/your-org/checkin/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	migrate := flag.Bool("migrate", true, "apply database migrations on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting check-in API service", "port", cfg.Server.Port)

	loc, err := cfg.Attendance.Location()
	if err != nil {
		slog.Error("attendance timezone", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *migrate {
		applied, err := db.Migrate(ctx)
		if err != nil {
			slog.Error("migrate database", "error", err)
			os.Exit(1)
		}
		if len(applied) > 0 {
			slog.Info("migrations applied", "files", applied)
		}
	}

	// Connect to MinIO
	objects, err := storage.NewObjectStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub(cfg.Server.CORSOrigins)
	go hub.Run()
	defer hub.Close()

	// Every API instance gets its own copy of the event feed.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	if err := consumer.ConsumeEvents(ctx, "api-"+uuid.NewString()[:8], api.EventBridge(hub)); err != nil {
		slog.Warn("start event consumer", "error", err)
	}

	// Vision models are optional here: without them enrollment and search
	// answer 503 while the rest of the API keeps working.
	var analyzer handlers.FaceAnalyzer
	if err := vision.InitRuntime(cfg.Vision.LibraryPath); err != nil {
		slog.Warn("onnx runtime init failed, enrollment and search unavailable", "error", err)
	} else {
		defer vision.Shutdown()
		faceModels, err := vision.LoadModels(cfg.Vision)
		if err != nil {
			slog.Warn("vision models not loaded, enrollment and search unavailable", "error", err)
		} else {
			defer faceModels.Close()
			analyzer = faceModels
			slog.Info("vision models ready for enrollment and search")
		}
	}

	gallery := recognition.NewGallery(nil)
	if err := gallery.Refresh(ctx, db); err != nil {
		slog.Warn("load gallery", "error", err)
	}

	enroller := enrollment.NewService(analyzer, db, objects, gallery, enrollment.Options{
		Matcher:   recognition.NewMatcher(recognition.Metric(cfg.Recognition.Metric), float32(cfg.Recognition.Threshold)),
		Publisher: producer,
	})

	checks := map[string]handlers.Check{
		"postgres": db.Ping,
		"minio":    objects.Ping,
		"nats":     func(context.Context) error { return producer.Ping() },
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:      cfg.Server.APIKey,
		CORSOrigins: cfg.Server.CORSOrigins,
		DB:          db,
		Objects:     objects,
		Producer:    producer,
		Hub:         hub,
		Enroller:    enroller,
		Analyzer:    analyzer,
		Location:    loc,
		Checks:      checks,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
