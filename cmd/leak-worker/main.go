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
	"github.com/sentinyl/backend/internal/graph"
	"github.com/sentinyl/backend/internal/leakhunter"
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
	if cfg.GitHubToken == "" {
		log.Fatal("GITHUB_TOKEN is required for the leak worker")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "leak-worker")

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
	hunter := leakhunter.New(cfg.GitHubToken, logger)
	processor := worker.NewLeak(st, hunter, enricher, logger)

	log.Println("Leak worker starting")
	if err := worker.NewConsumer(q, queue.Leak, processor.Handle, logger).Run(ctx); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
	log.Println("Leak worker stopped")
}
