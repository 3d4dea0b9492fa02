package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/your-org/checkin/internal/enrollment"
	"github.com/your-org/checkin/internal/models"
	"github.com/your-org/checkin/internal/queue"
	"github.com/your-org/checkin/internal/recognition"
	"github.com/your-org/checkin/internal/storage"
	"github.com/your-org/checkin/internal/vision"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <center> <left> <right> <up> <down>",
	Short: "Enroll a person from five guided photos",
	Long: `Enroll a person from five photos taken in the guided poses, in this order:
center, left, right, up, down.

Examples:
  checkinctl enroll --name "Ana Silva" --department Sales \
    center.jpg left.jpg right.jpg up.jpg down.jpg`,
	Args: cobra.ExactArgs(len(models.EnrollmentPoses)),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("name", "", "Full name (required)")
	enrollCmd.Flags().String("department", "", "Department")
	enrollCmd.Flags().String("position", "", "Job title")
	enrollCmd.Flags().Bool("allow-duplicate-face", false, "Skip the check against already enrolled faces")
	_ = enrollCmd.MarkFlagRequired("name")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	captures := make([]enrollment.Capture, 0, len(args))
	for i, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		img, err := vision.DecodeImage(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		captures = append(captures, enrollment.Capture{
			Pose:  models.EnrollmentPoses[i],
			Image: img,
			Raw:   data,
		})
	}

	if err := vision.InitRuntime(cfg.Vision.LibraryPath); err != nil {
		return err
	}
	defer vision.Shutdown()
	faceModels, err := vision.LoadModels(cfg.Vision)
	if err != nil {
		return fmt.Errorf("load vision models: %w", err)
	}
	defer faceModels.Close()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	objects, err := storage.NewObjectStore(cfg.MinIO)
	if err != nil {
		return fmt.Errorf("failed to connect to minio: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return err
	}

	gallery := recognition.NewGallery(nil)
	opts := enrollment.Options{}
	if !mustGetBool(cmd, "allow-duplicate-face") {
		if err := gallery.Refresh(ctx, db); err != nil {
			return err
		}
		opts.Matcher = recognition.NewMatcher(recognition.Metric(cfg.Recognition.Metric), float32(cfg.Recognition.Threshold))
	}

	// Running workers pick the new face up right away when NATS is reachable,
	// otherwise on their next gallery refresh.
	if producer, err := queue.NewProducer(cfg.NATS.URL); err != nil {
		fmt.Fprintf(os.Stderr, "warning: nats unavailable, workers will load the face on refresh: %v\n", err)
	} else {
		defer producer.Close()
		opts.Publisher = producer
	}

	svc := enrollment.NewService(faceModels, db, objects, gallery, opts)
	res, err := svc.Enroll(ctx, enrollment.Request{
		Name:       mustGetString(cmd, "name"),
		Department: mustGetString(cmd, "department"),
		Position:   mustGetString(cmd, "position"),
		Captures:   captures,
	})
	if err != nil {
		var ce *enrollment.CaptureError
		if errors.As(err, &ce) {
			return fmt.Errorf("%s (%s): %w", args[ce.Index], ce.Pose, ce.Err)
		}
		return err
	}

	fmt.Printf("Enrolled %s\n", res.Identity.Name)
	fmt.Printf("  identity: %s\n", res.Identity.ID)
	fmt.Printf("  employee: %s\n\n", res.Employee.ID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POSE\tDETECTED\tQUALITY\tISSUES")
	for _, c := range res.Captures {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%v\n", c.Pose, c.DetectedPose, c.Quality.Score, c.Quality.Issues)
	}
	return w.Flush()
}
