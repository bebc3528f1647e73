package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/handlers"
	"sap-analysis-pipeline/internal/pkg/logger"
	"sap-analysis-pipeline/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting SAP Analysis Pipeline",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	documents, err := services.NewMongoStore(cfg.Mongo, log)
	if err != nil {
		return fmt.Errorf("mongo initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := documents.Close(shutdownCtx); err != nil {
			log.WithError(err).Error("Failed to close document store")
		}
	}()

	publisher, err := services.NewRedisPublisher(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Error("Failed to close event publisher")
		}
	}()

	analyzer, err := services.NewGeminiService(cfg.Gemini, log)
	if err != nil {
		return fmt.Errorf("gemini initialization failed: %w", err)
	}

	requirements, err := services.NewRequirementsService(cfg.Upload, log)
	if err != nil {
		return fmt.Errorf("requirements service initialization failed: %w", err)
	}

	statuses := services.NewStatusStore(documents, cfg.Mongo.ResultsCollection, log)
	aggregator := services.NewResultAggregator(log)

	orchestrator := services.NewOrchestrator(documents, analyzer, statuses, publisher, requirements, aggregator, *cfg, log)
	runner := services.NewTaskRunner(orchestrator, cfg.Worker, log)

	analysisHandler := handlers.NewAnalysisHandler(orchestrator, runner, statuses, log)
	uploadHandler := handlers.NewUploadHandler(requirements, runner, statuses, log)

	router := handlers.NewRouter(*cfg, analysisHandler, uploadHandler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Graceful server shutdown failed, forcing close")
			if closeErr := server.Close(); closeErr != nil {
				log.WithError(closeErr).Error("Forced server close failed")
			}
		}

		if err := runner.Close(); err != nil {
			log.WithError(err).Error("Task runner shutdown failed")
		}
		if err := orchestrator.Close(); err != nil {
			log.WithError(err).Error("Orchestrator shutdown failed")
		}
	}

	log.Info("SAP Analysis Pipeline stopped")
	return nil
}
