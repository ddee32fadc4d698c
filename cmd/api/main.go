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

	"remote-index-builder/cmd"
	"remote-index-builder/internal/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	log.Println("Starting index build API server...")

	cfg := cmd.LoadConfig()

	objects, err := cmd.NewObjectStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	registry, sweeper, err := cmd.NewRegistry(context.Background(), cfg, objects)
	if err != nil {
		log.Fatalf("Failed to initialize job registry: %v", err)
	}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if !cfg.SyncBuilds {
		// synchronous builds outlive any reasonable request timeout
		r.Use(middleware.Timeout(60 * time.Second))
	}

	apiHandler := api.NewBackendService(registry, cfg.SyncBuilds)
	apiHandler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		sweeper.Stop(ctx)
		if err := registry.Close(ctx); err != nil {
			slog.Error("running jobs were cancelled on shutdown", "error", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.Port, err)
	}

	log.Println("Server stopped.")
}
