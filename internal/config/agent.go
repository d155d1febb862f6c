package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// AgentConfig holds the guard agent's tunables. Everything has a working
// default so the agent runs with no config file at all.
type AgentConfig struct {
	APIBaseURL          string        `yaml:"api_url"`
	AgentID             string        `yaml:"agent_id"`
	APIKey              string        `yaml:"api_key"`
	ScanInterval        time.Duration `yaml:"scan_interval"`
	StatusCheckInterval time.Duration `yaml:"status_check_interval"`
	HighRiskCountries   []string      `yaml:"high_risk_countries"`
	TrustedIPs          []string      `yaml:"trusted_ips"`
}

// DefaultAgentConfig mirrors the shipped defaults: scan every 30s, poll the
// control plane every 15s, and treat a small set of public resolvers as
// always-trusted peers.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		APIBaseURL:          "http://localhost:8000",
		ScanInterval:        30 * time.Second,
		StatusCheckInterval: 15 * time.Second,
		HighRiskCountries: []string{
			"Russia", "China", "North Korea", "Iran",
			"Belarus", "Syria", "Venezuela",
		},
		TrustedIPs: []string{
			"8.8.8.8", // Google DNS
			"1.1.1.1", // Cloudflare DNS
		},
	}
}

// LoadAgentConfig reads a YAML tunables file and overlays it on the
// defaults. A missing path returns the defaults unchanged.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
