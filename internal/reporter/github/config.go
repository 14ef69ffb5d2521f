package github

import (
	"fmt"
	"strings"

	"jobengine/internal/config"
)

// Config holds configuration for the GitHub reporter.
type Config struct {
	Token     string
	Owner     string
	Repo      string
	BaseURL   string   // API base for GitHub Enterprise; empty for github.com
	Labels    []string // applied to new tracking issues
	RateLimit float64  // API requests per second
}

// LoadConfigFromEnv loads reporter configuration from environment variables.
// GITHUB_REPO is "owner/name"; the token is read from GITHUB_TOKEN_FILE,
// falling back to GITHUB_TOKEN.
func LoadConfigFromEnv() (Config, error) {
	token := config.GetSecretFile(config.GetEnv("GITHUB_TOKEN_FILE", ""))
	if token == "" {
		token = config.GetEnv("GITHUB_TOKEN", "")
	}

	cfg := Config{
		Token:     token,
		BaseURL:   config.GetEnv("GITHUB_API_URL", ""),
		RateLimit: float64(config.GetIntEnv("GITHUB_RATE_LIMIT", 1)),
	}
	if labels := config.GetEnv("GITHUB_LABELS", ""); labels != "" {
		for _, l := range strings.Split(labels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				cfg.Labels = append(cfg.Labels, l)
			}
		}
	}

	owner, repo, ok := strings.Cut(config.GetEnv("GITHUB_REPO", ""), "/")
	if !ok || owner == "" || repo == "" {
		return cfg, fmt.Errorf("GITHUB_REPO must be owner/name")
	}
	cfg.Owner, cfg.Repo = owner, repo

	if cfg.Token == "" {
		return cfg, fmt.Errorf("GITHUB_TOKEN or GITHUB_TOKEN_FILE is required")
	}
	return cfg, nil
}
