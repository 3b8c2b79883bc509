package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inference-relay/cmd"
	"inference-relay/internal/api"
	"inference-relay/internal/config"
	"inference-relay/internal/pipeline"
	"inference-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func createServer(dispatcher *pipeline.Dispatcher, lister api.RecordLister, port string) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	intake := api.NewIntakeService(dispatcher, lister, api.DefaultMaxUploadBytes)

	r.Route("/api/v1", func(r chi.Router) {
		intake.AddRoutes(r)
	})

	return &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
}

func main() {
	log.Println("Starting inference relay...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	closeLog, err := cmd.InitLogging(cfg.LogDir, cfg.LogFile)
	if err != nil {
		log.Fatalf("error initializing logging: %v", err)
	}
	defer closeLog()

	slog.Info("starting relay", "api_url", cfg.APIURL, "model", cfg.ModelName, "port", cfg.Port, "predict_timeout", cfg.PredictTimeout, "concurrency", cfg.Concurrency)

	sinks, err := cmd.CreateRecordSinks(cfg)
	if err != nil {
		log.Fatalf("error opening record stores: %v", err)
	}
	defer sinks.Close()

	p, err := cmd.CreatePipeline(context.Background(), cfg, relay.NewClient(cfg.APIURL), sinks.Store)
	if err != nil {
		log.Fatalf("error creating pipeline: %v", err)
	}

	dispatcher := pipeline.NewDispatcher(p, cfg.Concurrency)

	var lister api.RecordLister
	if sinks.DB != nil {
		lister = sinks.DB
	}

	server := createServer(dispatcher, lister, cfg.Port)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}

		slog.Info("waiting for in-flight submissions")
		dispatcher.Close()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.Port, err)
	}

	<-stopped
	slog.Info("server stopped")
}
