package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/checkin/internal/config"
	"github.com/your-org/checkin/internal/ingest"
	"github.com/your-org/checkin/internal/models"
	"github.com/your-org/checkin/internal/observability"
	"github.com/your-org/checkin/internal/queue"
	"github.com/your-org/checkin/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":8081", "metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting check-in ingestor service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres (for status updates)
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

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

	manager := ingest.NewManager(ingest.Config{
		DefaultFPS: cfg.Ingest.DefaultFPS,
		MaxFPS:     cfg.Ingest.MaxFPS,
		FrameWidth: cfg.Ingest.FrameWidth,
	}, ingest.Deps{
		Cameras:   db,
		Objects:   objects,
		Publisher: producer,
		Runner:    ingest.FFmpeg{Path: cfg.Ingest.FFmpegPath},
	})

	// Subscribe to camera control commands (core NATS, not JetStream)
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	_, err = queue.SubscribeControl(consumer.Conn(), func(cmd queue.ControlCommand) {
		slog.Info("received command", "action", cmd.Action, "camera_id", cmd.CameraID)
		if err := manager.HandleCommand(ctx, cmd); err != nil {
			slog.Error("handle command", "error", err, "action", cmd.Action, "camera_id", cmd.CameraID)
		}
	})
	if err != nil {
		slog.Error("subscribe to control", "error", err)
		os.Exit(1)
	}

	// Resume cameras that were running before a restart
	cameras, err := db.ListCameras(ctx)
	if err != nil {
		slog.Warn("list cameras", "error", err)
	}
	for _, cam := range cameras {
		if cam.Status != models.CameraStatusRunning {
			continue
		}
		if err := manager.Start(ctx, cam.ID); err != nil {
			slog.Error("resume camera", "camera_id", cam.ID, "error", err)
		}
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("ingestor metrics listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down ingestor...", "active_cameras", manager.ActiveCount())
	cancel()
	manager.StopAll()

	// Give status updates time to land
	time.Sleep(time.Second)
	slog.Info("ingestor stopped")
}
