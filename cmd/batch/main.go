package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"inference-relay/cmd"
	"inference-relay/internal/config"
	"inference-relay/internal/core"
	"inference-relay/internal/pipeline"
	"inference-relay/internal/relay"
	"inference-relay/internal/utils"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// fileReplier writes the reply for one image next to the other results.
// Nothing is written when outDir is empty.
type fileReplier struct {
	outDir string
	name   string
}

func (f *fileReplier) path(suffix string) string {
	stem := strings.TrimSuffix(f.name, filepath.Ext(f.name))
	return filepath.Join(f.outDir, stem+suffix)
}

func (f *fileReplier) ReplyText(ctx context.Context, text string, rich bool) error {
	if f.outDir == "" {
		return nil
	}
	if err := os.WriteFile(f.path("_reply.html"), []byte(text), 0644); err != nil {
		return fmt.Errorf("error writing reply: %w", err)
	}
	return nil
}

func (f *fileReplier) ReplyPhoto(ctx context.Context, photo []byte, caption string, rich bool) error {
	if f.outDir == "" {
		return nil
	}
	if err := os.WriteFile(f.path("_result.jpg"), photo, 0644); err != nil {
		return fmt.Errorf("error writing result image: %w", err)
	}
	if err := os.WriteFile(f.path("_result.html"), []byte(caption), 0644); err != nil {
		return fmt.Errorf("error writing result caption: %w", err)
	}
	return nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", dir, err)
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		images = append(images, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(images)
	return images, nil
}

func main() {
	inDir := flag.String("dir", "", "directory of images to relay")
	outDir := flag.String("out", "", "directory for result images and captions (optional)")
	senderId := flag.String("sender-id", "batch", "sender id recorded for every image")
	workers := flag.Int("workers", 0, "parallel submissions (defaults to CONCURRENCY)")

	cmd.LoadEnvFile()

	if *inDir == "" {
		log.Fatalf("-dir is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if *workers <= 0 {
		*workers = cfg.Concurrency
	}

	images, err := listImages(*inDir)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, os.ModePerm); err != nil {
			log.Fatalf("error creating output directory: %v", err)
		}
	}

	sinks, err := cmd.CreateRecordSinks(cfg)
	if err != nil {
		log.Fatalf("error opening record stores: %v", err)
	}
	defer sinks.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := cmd.CreatePipeline(ctx, cfg, relay.NewClient(cfg.APIURL), sinks.Store)
	if err != nil {
		log.Fatalf("error creating pipeline: %v", err)
	}

	slog.Info("relaying images", "dir", *inDir, "images", len(images), "workers", *workers)

	worker := func(ctx context.Context, path string) (pipeline.Outcome, error) {
		image, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sub := core.Submission{
			ID:          uuid.New(),
			SenderID:    *senderId,
			SenderName:  filepath.Base(path),
			Image:       image,
			SubmittedAt: time.Now(),
		}
		return p.Process(ctx, sub, &fileReplier{outDir: *outDir, name: filepath.Base(path)}), nil
	}

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription("⏳ relaying"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	counts := make(map[string]int)
	for task := range utils.RunInPool(ctx, worker, images, *workers) {
		_ = bar.Add(1)
		if task.Error != nil {
			slog.Error("error relaying image", "path", task.Input, "error", task.Error)
			counts["error"]++
			continue
		}
		counts[task.Result.Kind()]++
		if task.Result.Kind() != pipeline.KindSucceeded {
			slog.Warn("image not processed", "path", task.Input, "outcome", task.Result.Kind())
		}
	}
	_ = bar.Finish()

	slog.Info("batch complete",
		"succeeded", counts[pipeline.KindSucceeded],
		"timed_out", counts[pipeline.KindTimedOut],
		"transport_failed", counts[pipeline.KindTransportFailed],
		"malformed", counts[pipeline.KindMalformed],
		"decode_failed", counts[pipeline.KindDecodeFailed],
		"errors", counts["error"],
	)
}
