package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"remote-index-builder/cmd"
	"remote-index-builder/internal/config"
	"remote-index-builder/internal/messaging"
)

func main() {
	log.Println("Starting index build worker...")

	cfg := cmd.LoadConfig()

	objects, err := cmd.NewObjectStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	registry, sweeper, err := cmd.NewRegistry(context.Background(), cfg, objects)
	if err != nil {
		log.Fatalf("Failed to initialize job registry: %v", err)
	}

	queues := messaging.Queues{Build: cfg.Messaging.BuildQueue, Result: cfg.Messaging.ResultQueue}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.Messaging.RabbitMQURL, queues)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	prefetch := cfg.Jobs.MaxConcurrentJobs
	if cfg.Resources.Policy == config.PolicyQueue {
		prefetch += cfg.Jobs.MaxQueuedJobs
	}
	receiver, err := messaging.NewRabbitMQReceiver(cfg.Messaging.RabbitMQURL, queues.Build, prefetch)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := messaging.NewWorker(registry, receiver, publisher)

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	worker.Run(ctx)

	log.Println("Shutdown signal received, waiting for running jobs to finish...")
	receiver.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sweeper.Stop(shutdownCtx)
	if err := registry.Close(shutdownCtx); err != nil {
		slog.Error("running jobs were cancelled on shutdown", "error", err)
	}

	log.Println("Worker process stopped.")
}
