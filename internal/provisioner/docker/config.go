package docker

import (
	"strings"
	"time"

	"jobengine/internal/config"
)

// Config holds configuration for the Docker provisioner.
type Config struct {
	SidecarImage  string        // image running cmd/job-sidecar
	DefaultImage  string        // worker image when the profile names none
	ArtifactsDir  string        // mount point of the shared artifacts volume
	ExtraHosts    []string      // extra /etc/hosts entries (e.g. ["jobs.internal:host-gateway"])
	Network       string        // network to attach worker and sidecar to, empty for default
	LogFlushDelay time.Duration // grace period for trailing log frames after the worker exits
	KeepWorkers   bool          // skip the orphan sweep so kept workers survive restarts
}

// LoadConfigFromEnv loads provisioner configuration from environment variables.
func LoadConfigFromEnv() Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	return Config{
		SidecarImage:  config.GetEnv("SIDECAR_IMAGE", "ko.local/job-sidecar:latest"),
		DefaultImage:  config.GetEnv("WORKER_IMAGE", "alpine:latest"),
		ArtifactsDir:  config.GetEnv("ARTIFACTS_DIR", "/artifacts"),
		ExtraHosts:    extraHosts,
		Network:       config.GetEnv("WORKER_NETWORK", ""),
		LogFlushDelay: config.GetDurationEnv("LOG_FLUSH_DELAY", 500*time.Millisecond),
		KeepWorkers:   config.GetBoolEnv("KEEP_WORKERS", false),
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultImage == "" {
		c.DefaultImage = "alpine:latest"
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "/artifacts"
	}
	if c.LogFlushDelay <= 0 {
		c.LogFlushDelay = 500 * time.Millisecond
	}
	return c
}
