package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"inference-relay/internal/config"
	"inference-relay/internal/database"
	"inference-relay/internal/messaging"
	"inference-relay/internal/pipeline"
	"inference-relay/internal/records"
	"inference-relay/internal/storage"

	"github.com/joho/godotenv"
)

// LoadEnvFile parses the command line flags and loads the file passed with
// -env, if any. Callers must register their own flags before calling it.
func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// InitLogging installs a slog text handler writing to stdout and, when dir is
// set, to dir/file as well. Output of the log package goes through the same
// handler. The returned function restores the previous logger and closes the
// log file.
func InitLogging(dir, file string) (func(), error) {
	prev := slog.Default()

	if dir == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
		return func() { restoreLogging(prev) }, nil
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating directory for log file: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, file), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(f, os.Stdout), nil)))

	return func() {
		restoreLogging(prev)
		f.Close()
	}, nil
}

// restoreLogging reinstalls prev. SetDefault leaves the log package writing to
// the replaced handler, so its output is reset as well.
func restoreLogging(prev *slog.Logger) {
	slog.SetDefault(prev)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags)
}

// RecordSinks are the stores a submission record is appended to.
type RecordSinks struct {
	Store records.Store

	// DB is nil when no DATABASE_URL is configured.
	DB *records.DBStore

	closers []func()
}

func (s *RecordSinks) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// CreateRecordSinks opens the CSV log and any optional database and queue sinks.
func CreateRecordSinks(cfg config.Config) (*RecordSinks, error) {
	sinks := &RecordSinks{}

	csvStore, err := records.NewCSVStore(cfg.ResultsCSV, cfg.CSVHeader)
	if err != nil {
		return nil, err
	}
	sinks.closers = append(sinks.closers, func() {
		if err := csvStore.Close(); err != nil {
			slog.Error("error closing csv store", "error", err)
		}
	})
	fanout := records.Fanout{csvStore}

	if cfg.DatabaseURL != "" {
		db, err := database.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks.DB = records.NewDBStore(db)
		fanout = append(fanout, sinks.DB)
		sinks.closers = append(sinks.closers, func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		})
	}

	if cfg.RabbitMQURL != "" {
		publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		fanout = append(fanout, records.NewQueueStore(publisher))
		sinks.closers = append(sinks.closers, publisher.Close)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		fanout = append(fanout, records.NewQueueStore(publisher))
		sinks.closers = append(sinks.closers, publisher.Close)
	}

	sinks.Store = fanout
	return sinks, nil
}

// CreateArchive returns the configured output image archive, or nil if none is.
func CreateArchive(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	var archive storage.ObjectStore
	switch {
	case cfg.ArchiveDir != "":
		local, err := storage.NewLocalObjectStore(cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		archive = local
	case cfg.S3Bucket != "":
		s3, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		archive = s3
	default:
		return nil, nil
	}

	if err := archive.CreateBucket(ctx); err != nil {
		return nil, err
	}
	return archive, nil
}

// CreatePipeline wires the pipeline from the config and the opened sinks.
func CreatePipeline(ctx context.Context, cfg config.Config, client pipeline.Relay, store records.Store) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{}

	if cfg.MessagesFile != "" {
		messages, err := pipeline.LoadMessages(cfg.MessagesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithMessages(messages))
	}

	archive, err := CreateArchive(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating image archive: %w", err)
	}
	if archive != nil {
		opts = append(opts, pipeline.WithArchive(archive))
	}

	return pipeline.New(pipeline.Config{
		Endpoint:       cfg.APIURL,
		ModelName:      cfg.ModelName,
		PredictTimeout: cfg.PredictTimeout,
		InfoTimeout:    cfg.InfoTimeout,
		InfoKey:        cfg.InfoKey,
	}, client, store, opts...), nil
}
