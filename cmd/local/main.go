package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"remote-index-builder/cmd"
	"remote-index-builder/internal/api"
	"remote-index-builder/internal/config"
	"remote-index-builder/internal/messaging"
	pkgapi "remote-index-builder/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var tasksPath = flag.String("tasks", "", "optional json file with a list of build tasks to run at startup")

// loadTasks seeds the queue with the build tasks listed in path.
func loadTasks(queue *messaging.InMemoryQueue, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("error reading tasks file: %v", err)
	}

	var tasks []pkgapi.BuildTaskPayload
	if err := json.Unmarshal(data, &tasks); err != nil {
		log.Fatalf("error parsing tasks file: %v", err)
	}

	for _, task := range tasks {
		if err := queue.PublishBuildTask(context.Background(), task); err != nil {
			log.Fatalf("Failed to publish build task: %v", err)
		}
	}
	slog.Info("queued build tasks from file", "path", path, "count", len(tasks))
}

// logResults drains the result queue into the log.
func logResults(queue *messaging.InMemoryQueue) {
	for task := range queue.Results() {
		var result pkgapi.BuildResultPayload
		if err := json.Unmarshal(task.Payload(), &result); err != nil {
			slog.Error("error parsing build result", "error", err)
			task.Reject() //nolint:errcheck
			continue
		}
		if result.Error != nil {
			slog.Warn("build finished", "job_id", result.JobId, "status", result.Status, "kind", result.Error.Kind, "stage", result.Error.Stage, "message", result.Error.Message)
		} else {
			slog.Info("build finished", "job_id", result.JobId, "status", result.Status, "index_path", result.IndexPath)
		}
		task.Ack() //nolint:errcheck
	}
}

func main() {
	cfg := cmd.LoadConfig()
	cfg.Storage.Provider = config.ProviderLocal

	if err := os.MkdirAll(cfg.Storage.LocalDir, os.ModePerm); err != nil {
		log.Fatalf("error creating storage directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Storage.LocalDir, "index-builder.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(f, os.Stderr), &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info("starting local index builder", "storage", cfg.Storage.LocalDir, "port", cfg.Port, "scratch", cfg.Jobs.ScratchDir)

	objects, err := cmd.NewObjectStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create local storage: %v", err)
	}

	registry, sweeper, err := cmd.NewRegistry(context.Background(), cfg, objects)
	if err != nil {
		log.Fatalf("Failed to initialize job registry: %v", err)
	}

	queue := messaging.NewInMemoryQueue()
	if *tasksPath != "" {
		loadTasks(queue, *tasksPath)
	}
	go logResults(queue)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	api.NewBackendService(registry, cfg.SyncBuilds).AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := messaging.NewWorker(registry, queue, queue)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}

		<-workerDone
		sweeper.Stop(shutdownCtx)
		if err := registry.Close(shutdownCtx); err != nil {
			slog.Error("running jobs were cancelled on shutdown", "error", err)
		}
		queue.Close()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.Port, err)
	}

	<-shutdownDone
	slog.Info("server stopped")
}
