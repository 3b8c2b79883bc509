package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"inference-relay/cmd"
	"inference-relay/internal/database"
	"inference-relay/internal/messaging"
	"inference-relay/internal/records"

	"github.com/caarlos0/env/v11"
	"github.com/schollz/progressbar/v3"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
}

const exportBatchSize = 500

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-env file] [-out file] export|consume\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	out := flag.String("out", "./data/export.csv", "csv file written by export")
	flag.Usage = usage

	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store := records.NewDBStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch flag.Arg(0) {
	case "export":
		total, err := database.CountSubmissionRecords(ctx, db)
		if err != nil {
			log.Fatalf("error counting records: %v", err)
		}
		if err := export(ctx, store, total, *out); err != nil {
			log.Fatalf("export failed: %v", err)
		}
		slog.Info("export complete", "records", total, "path", *out)

	case "consume":
		if cfg.RabbitMQURL == "" {
			log.Fatalf("RABBITMQ_URL must be set to consume records")
		}
		receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer receiver.Close()

		slog.Info("consuming submission records", "queue", messaging.RecordsQueue)
		consume(ctx, receiver, store)
		slog.Info("consumer stopped")

	default:
		usage()
		os.Exit(2)
	}
}

// export writes every stored record to path in append order.
func export(ctx context.Context, store *records.DBStore, total int64, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	dst, err := records.NewCSVStore(path, true)
	if err != nil {
		return err
	}
	defer dst.Close()

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("⏳ exporting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	for offset := 0; ; offset += exportBatchSize {
		batch, err := store.List(ctx, offset, exportBatchSize)
		if err != nil {
			return err
		}
		for _, record := range batch {
			if err := dst.Append(ctx, record); err != nil {
				return err
			}
			_ = bar.Add(1)
		}
		if len(batch) < exportBatchSize {
			break
		}
	}

	_ = bar.Finish()
	return dst.Close()
}

// consume appends every record published by relays to the database until ctx
// is cancelled or the receiver closes. A record that cannot be stored goes back
// to the queue.
func consume(ctx context.Context, receiver messaging.Receiver, store records.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-receiver.Records():
			if !ok {
				return
			}

			record := records.FromPayload(delivery.Record())
			if err := store.Append(ctx, record); err != nil {
				slog.Error("error storing record", "submission_id", record.SubmissionId, "error", err)
				if err := delivery.Requeue(); err != nil {
					slog.Error("error requeueing record", "submission_id", record.SubmissionId, "error", err)
				}
				continue
			}

			if err := delivery.Ack(); err != nil {
				slog.Error("error acking record", "submission_id", record.SubmissionId, "error", err)
			}
		}
	}
}
