// Package main runs the gigapix queue workers that resize sources, cut and
// optimize tiles, render thumbnails, offload artifacts to blob storage, and
// deliver notifications.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gigapix/gigapix/internal/blobstore"
	"github.com/gigapix/gigapix/internal/config"
	"github.com/gigapix/gigapix/internal/database"
	"github.com/gigapix/gigapix/internal/repository"
	"github.com/gigapix/gigapix/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewImageRepository(pool)

	store, err := blobstore.New(cfg)
	if err != nil {
		log.Fatalf("init blob storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      cfg.QueueWeights(),
	})
	processor := worker.NewProcessor(repo, store, nil)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
