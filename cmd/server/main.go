// Package main runs the gigapix HTTP server: grid and viewer pages, URL
// ingest, and the on-demand tile and thumbnail endpoints.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/gigapix/gigapix/internal/cache"
	"github.com/gigapix/gigapix/internal/config"
	"github.com/gigapix/gigapix/internal/database"
	"github.com/gigapix/gigapix/internal/offload"
	"github.com/gigapix/gigapix/internal/pyramid"
	"github.com/gigapix/gigapix/internal/queue"
	"github.com/gigapix/gigapix/internal/repository"
	"github.com/gigapix/gigapix/internal/server"
	"github.com/gigapix/gigapix/internal/signing"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	c := cache.New(rdb)
	broker := queue.NewBroker(client, cfg.QueueNames())
	awaiter := queue.NewAwaiter(inspector)
	orchestrator := pyramid.NewOrchestrator(broker, awaiter, cfg.StaticRoot)
	offloader := offload.NewScheduler(c, broker, cfg.StaticRoot, cfg.OriginalsBucket)
	signer := signing.NewSigner(cfg.SigningSecret)

	srv := server.New(cfg, repo, c, broker, awaiter, orchestrator, offloader, signer)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
