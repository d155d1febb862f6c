package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sentinyl/backend/internal/agent"
	"github.com/sentinyl/backend/internal/config"
)

func main() {
	var (
		configPath   string
		apiURL       string
		agentID      string
		pollInterval int
	)

	root := &cobra.Command{
		Use:   "guard-agent",
		Short: "Host behavioral sensor with dead-man's-switch blocking",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(configPath, apiURL, agentID, pollInterval)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "YAML tunables file")
	root.Flags().StringVar(&apiURL, "api-url", "", "Sentinyl API base URL")
	root.Flags().StringVar(&agentID, "agent-id", "", "stable agent identifier (UUID)")
	root.Flags().IntVar(&pollInterval, "poll-interval", 0, "scan interval in seconds")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, apiURL, agentIDFlag string, pollInterval int) error {
	_ = godotenv.Load()

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Flags win over the config file.
	if apiURL != "" {
		cfg.APIBaseURL = apiURL
	}
	if agentIDFlag != "" {
		cfg.AgentID = agentIDFlag
	}
	if pollInterval > 0 {
		cfg.ScanInterval = time.Duration(pollInterval) * time.Second
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("SENTINYL_API_KEY")
	}
	if cfg.APIKey == "" {
		return errors.New("no API key: set api_key in the config file or SENTINYL_API_KEY")
	}

	agentID := uuid.New()
	if cfg.AgentID != "" {
		agentID, err = uuid.Parse(cfg.AgentID)
		if err != nil {
			return fmt.Errorf("agent-id must be a UUID: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	osInfo := runtime.GOOS + "/" + runtime.GOARCH

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("service", "guard-agent", "agent_id", agentID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Sentinyl Guard Agent starting (agent=%s host=%s api=%s)",
		agentID, hostname, cfg.APIBaseURL)

	sensor, err := agent.NewSensor(ctx, agent.GopsutilProbe{}, agent.NewIPInfoLookup(),
		cfg.HighRiskCountries, cfg.TrustedIPs, logger)
	if err != nil {
		return fmt.Errorf("initialize sensor: %w", err)
	}

	deadman := agent.NewDeadManSwitch(cfg.APIBaseURL, cfg.APIKey, agentID,
		hostname, osInfo, agent.NewIPTablesBlocker(), logger)

	a := agent.New(sensor, deadman, cfg.ScanInterval, cfg.StatusCheckInterval, logger)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("Agent stopped")
	return nil
}
