package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sentinyl/backend/internal/config"
	"github.com/sentinyl/backend/internal/enrich"
	"github.com/sentinyl/backend/internal/fuzzer"
	"github.com/sentinyl/backend/internal/graph"
	"github.com/sentinyl/backend/internal/notify"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
	"github.com/sentinyl/backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "typosquat-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer st.Close()

	q, err := queue.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	defer q.Close()

	var channels []notify.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.TeamsWebhookURL != "" {
		channels = append(channels, notify.NewTeams(cfg.TeamsWebhookURL, nil))
	}

	g := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, logger)
	defer g.Close(ctx)

	enricher := enrich.New(g, notify.NewFanout(logger, channels...), logger)
	processor := worker.NewTyposquat(st, fuzzer.NewResolver(logger), enricher, logger)

	log.Println("Typosquat worker starting")
	if err := worker.NewConsumer(q, queue.Typosquat, processor.Handle, logger).Run(ctx); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
	log.Println("Typosquat worker stopped")
}
