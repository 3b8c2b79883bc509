package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	APIURL         string        `env:"API_URL,notEmpty,required"`
	ModelName      string        `env:"MODEL_NAME" envDefault:"yolov8n"`
	PredictTimeout time.Duration `env:"PREDICT_TIMEOUT" envDefault:"15s"`
	InfoTimeout    time.Duration `env:"INFO_TIMEOUT" envDefault:"5s"`
	InfoKey        string        `env:"INFO_KEY" envDefault:"Project 2023"`

	Port        string `env:"PORT" envDefault:"3001"`
	Concurrency int    `env:"CONCURRENCY" envDefault:"8"`

	ResultsCSV string `env:"RESULTS_CSV" envDefault:"./data/save_images.csv"`
	CSVHeader  bool   `env:"CSV_HEADER" envDefault:"false"`

	// Optional sinks. Empty values disable them.
	DatabaseURL string `env:"DATABASE_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"submission-records"`

	ArchiveDir        string `env:"ARCHIVE_DIR"`
	S3Bucket          string `env:"S3_BUCKET"`
	S3Prefix          string `env:"S3_PREFIX"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`

	LogDir       string `env:"LOG_DIR"`
	LogFile      string `env:"LOG_FILE" envDefault:"relay.log"`
	MessagesFile string `env:"MESSAGES_FILE"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.PredictTimeout <= 0 || cfg.InfoTimeout <= 0 {
		return Config{}, fmt.Errorf("timeouts must be positive: PREDICT_TIMEOUT=%v INFO_TIMEOUT=%v", cfg.PredictTimeout, cfg.InfoTimeout)
	}
	if cfg.Concurrency < 1 {
		return Config{}, fmt.Errorf("CONCURRENCY must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.ArchiveDir != "" && cfg.S3Bucket != "" {
		return Config{}, fmt.Errorf("ARCHIVE_DIR and S3_BUCKET are mutually exclusive")
	}
	if cfg.S3EndpointURL != "" && (cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}

	return cfg, nil
}
