package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/your-org/checkin/internal/attendance"
	"github.com/your-org/checkin/internal/config"
	"github.com/your-org/checkin/internal/models"
	"github.com/your-org/checkin/internal/observability"
	"github.com/your-org/checkin/internal/pipeline"
	"github.com/your-org/checkin/internal/queue"
	"github.com/your-org/checkin/internal/recognition"
	"github.com/your-org/checkin/internal/scheduler"
	"github.com/your-org/checkin/internal/storage"
	"github.com/your-org/checkin/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting check-in worker",
		"workers", cfg.Recognition.Workers,
		"cpu_cores", runtime.NumCPU(),
	)

	loc, err := cfg.Attendance.Location()
	if err != nil {
		slog.Error("attendance timezone", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vision.InitRuntime(cfg.Vision.LibraryPath); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.Shutdown()

	faceModels, err := vision.LoadModels(cfg.Vision)
	if err != nil {
		slog.Error("load vision models", "error", err)
		os.Exit(1)
	}
	defer faceModels.Close()

	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	objects, err := storage.NewObjectStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// Re-trigger guard: shared through Redis when configured so several
	// workers never double-record one person.
	scope := attendance.Scope(cfg.Attendance.GuardScope)
	var (
		guard  attendance.Guard
		pruner scheduler.Pruner
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		guard = attendance.NewRedisGuard(rdb, cfg.Redis.Namespace, cfg.Attendance.RetriggerInterval, scope)
		slog.Info("attendance guard in redis", "addr", cfg.Redis.Addr, "scope", scope)
	} else {
		mem := attendance.NewMemoryGuard(cfg.Attendance.RetriggerInterval, scope)
		guard, pruner = mem, mem
		slog.Info("attendance guard in memory", "scope", scope)
	}

	engine := attendance.NewEngine(db, db, db,
		attendance.WithLocation(loc),
		attendance.WithGuard(guard),
	)

	gallery := recognition.NewGallery(nil)
	if err := gallery.Refresh(ctx, db); err != nil {
		slog.Error("load gallery", "error", err)
		os.Exit(1)
	}
	observability.GallerySize.Set(float64(gallery.Len()))
	slog.Info("gallery loaded", "identities", gallery.Len())

	cache := recognition.NewCache(cfg.Recognition.CacheTTL)
	matcher := recognition.NewMatcher(recognition.Metric(cfg.Recognition.Metric), float32(cfg.Recognition.Threshold))

	pipe := pipeline.New(pipeline.Config{
		RecognitionInterval: cfg.Recognition.Interval,
		EmbedTimeout:        cfg.Recognition.EmbedTimeout,
		CacheGrid:           cfg.Recognition.CacheGrid,
		Workers:             cfg.Recognition.Workers,
		QueueSize:           cfg.Recognition.QueueSize,
		MaxAge:              cfg.Recognition.TrackMaxAge,
		MinIoU:              cfg.Recognition.TrackMinIoU,
		Liveness:            cfg.Liveness,
	}, pipeline.Deps{
		Embedder: faceModels,
		Matcher:  matcher,
		Gallery:  gallery,
		Cache:    cache,
		Decider:  engine,
		Sink:     queue.NewEventSink(producer),
	})
	pipe.Start(ctx)
	defer pipe.Close()

	slog.Info("recognition pipeline initialized")

	sched := scheduler.New(loc)
	jobs := []scheduler.Job{
		scheduler.SweepJob(cache, pruner, cfg.Scheduler.CacheSweepInterval),
		scheduler.GalleryRefreshJob(gallery, db, cfg.Scheduler.GalleryRefreshInterval),
		scheduler.AbsentJob(engine, db, cfg.Scheduler.AbsentAt),
		scheduler.RetentionJob(objects, cfg.Scheduler.FrameRetention, time.Hour),
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			slog.Error("schedule job", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}
	sched.Start()
	defer sched.Stop()

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// A stopped camera releases its trackers and liveness history.
	if _, err := queue.SubscribeControl(consumer.Conn(), func(cmd queue.ControlCommand) {
		if cmd.Action == queue.ControlStop {
			pipe.DropCamera(cmd.CameraID)
		}
	}); err != nil {
		slog.Warn("subscribe to camera control", "error", err)
	}

	// Enrollments and deletions made elsewhere reach this gallery without
	// waiting for the refresh job.
	if _, err := queue.SubscribeGallery(consumer.Conn(), func(change queue.GalleryChange) {
		applyGalleryChange(ctx, change, db, pipe)
	}); err != nil {
		slog.Warn("subscribe to gallery changes", "error", err)
	}

	err = consumer.ConsumeFrames(ctx, "recognition-workers", func(ctx context.Context, msg jetstream.Msg) error {
		var task models.FrameTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal frame task", "error", err)
			return nil // Don't retry on unmarshal errors
		}
		if err := handleFrame(ctx, task, objects, faceModels, pipe); err != nil {
			return fmt.Errorf("process frame %s: %w", task.FrameID, err)
		}
		return nil
	}, cfg.Recognition.Workers)
	if err != nil {
		slog.Error("start frame consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		slog.Info("worker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}

// applyGalleryChange mirrors one enrollment or deletion into the pipeline.
func applyGalleryChange(ctx context.Context, change queue.GalleryChange, db *storage.PostgresStore, pipe *pipeline.Pipeline) {
	switch change.Action {
	case queue.GalleryRemove:
		pipe.ForgetIdentity(change.IdentityID)
	case queue.GalleryUpsert:
		identity, err := db.GetIdentity(ctx, change.IdentityID)
		if err != nil {
			slog.Error("load enrolled identity", "identity_id", change.IdentityID, "error", err)
			return
		}
		if identity == nil {
			pipe.ForgetIdentity(change.IdentityID)
			return
		}
		pipe.LearnIdentity(*identity)
		slog.Info("identity learned", "identity_id", identity.ID, "name", identity.Name)
	}
}

// handleFrame loads the stored JPEG, detects faces unless the kiosk sent
// them, and runs the frame through the pipeline.
func handleFrame(ctx context.Context, task models.FrameTask, objects *storage.ObjectStore, faceModels *vision.Models, pipe *pipeline.Pipeline) error {
	data, err := objects.Get(ctx, task.FrameRef)
	if err != nil {
		return fmt.Errorf("fetch frame: %w", err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	faces := task.Faces
	if len(faces) == 0 {
		faces, err = faceModels.Detect(img, task.Timestamp)
		if err != nil {
			return fmt.Errorf("detect faces: %w", err)
		}
	}

	pipe.ProcessFrame(ctx, pipeline.Frame{
		CameraID:  task.CameraID,
		ID:        task.FrameID,
		Timestamp: task.Timestamp,
		Image:     img,
		Faces:     faces,
	})
	return nil
}
