// Package config provides configuration loading from environment variables
// with an optional YAML file supplying defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	fileMu     sync.RWMutex
	fileValues map[string]string
)

// lookup returns the environment value for key, falling back to a value
// loaded from the config file.
func lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	fileMu.RLock()
	defer fileMu.RUnlock()
	return fileValues[key]
}

// LoadFile reads a YAML mapping of variable names to values. Loaded values
// act as defaults for every Get*Env helper; the environment still wins.
//
//	JOB_LIFETIME: 5h
//	ARTIFACT_SIZE_CAP: 16GiB
//	KEEP_WORKERS: true
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			values[k] = val
		case bool:
			values[k] = strconv.FormatBool(val)
		case int:
			values[k] = strconv.Itoa(val)
		case float64:
			values[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			return fmt.Errorf("config file %s: key %s must be a scalar", path, k)
		}
	}

	fileMu.Lock()
	fileValues = values
	fileMu.Unlock()
	return nil
}

// ResetFile discards values loaded by LoadFile.
func ResetFile() {
	fileMu.Lock()
	fileValues = nil
	fileMu.Unlock()
}

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	PublicBaseURL     string        // Base for dashboard and log links in reports
	IntakeBaseURL     string        // Base workers and sidecars use to reach the intake endpoints
	ComputeBackend    string        // "docker" or "none"
	BlobBackend       string        // "file" or "s3"
	BlobDir           string        // Root directory for the file backend
	Reporter          string        // "github" or "log"
	Engine            EngineConfig
}

// EngineConfig holds per-job limits and timers.
type EngineConfig struct {
	Lifetime            time.Duration
	IdleTimeout         time.Duration
	ArtifactSizeCap     int64
	ArtifactCountCap    int
	ArtifactMaxInFlight int
	Retention           time.Duration
	KeepWorkers         bool
	LogCapacity         int
}

// LoadServiceConfig loads service configuration. When CONFIG_FILE is set the
// file is loaded first so its values act as defaults.
func LoadServiceConfig() (*ServiceConfig, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadFile(path); err != nil {
			return nil, err
		}
	}

	port := GetEnv("PORT", "8080")
	cfg := &ServiceConfig{
		Port:              port,
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		PublicBaseURL:     GetEnv("PUBLIC_BASE_URL", "http://localhost:"+port),
		ComputeBackend:    GetEnv("COMPUTE_BACKEND", "docker"),
		BlobBackend:       GetEnv("BLOB_BACKEND", "file"),
		BlobDir:           GetEnv("BLOB_DIR", "/var/lib/jobengine/artifacts"),
		Reporter:          GetEnv("REPORTER", "log"),
		Engine:            LoadEngineConfig(),
	}
	cfg.IntakeBaseURL = GetEnv("INTAKE_BASE_URL", cfg.PublicBaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEngineConfig loads engine limits with their defaults.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Lifetime:            GetDurationEnv("JOB_LIFETIME", 5*time.Hour),
		IdleTimeout:         GetDurationEnv("JOB_IDLE_TIMEOUT", 5*time.Minute),
		ArtifactSizeCap:     GetBytesEnv("ARTIFACT_SIZE_CAP", 16<<30),
		ArtifactCountCap:    GetIntEnv("ARTIFACT_COUNT_CAP", 1024),
		ArtifactMaxInFlight: GetIntEnv("ARTIFACT_MAX_IN_FLIGHT", 128),
		Retention:           GetDurationEnv("JOB_RETENTION", 7*24*time.Hour),
		KeepWorkers:         GetBoolEnv("KEEP_WORKERS", false),
		LogCapacity:         GetIntEnv("LOG_CAPACITY", 50000),
	}
}

// Validate rejects option combinations the service cannot run with.
func (c *ServiceConfig) Validate() error {
	switch c.ComputeBackend {
	case "docker", "none":
	default:
		return fmt.Errorf("COMPUTE_BACKEND must be docker or none, got %q", c.ComputeBackend)
	}
	switch c.BlobBackend {
	case "file", "s3":
	default:
		return fmt.Errorf("BLOB_BACKEND must be file or s3, got %q", c.BlobBackend)
	}
	switch c.Reporter {
	case "github", "log":
	default:
		return fmt.Errorf("REPORTER must be github or log, got %q", c.Reporter)
	}
	if c.Engine.Lifetime <= 0 || c.Engine.IdleTimeout <= 0 {
		return fmt.Errorf("JOB_LIFETIME and JOB_IDLE_TIMEOUT must be positive")
	}
	if c.Engine.ArtifactSizeCap <= 0 || c.Engine.ArtifactCountCap <= 0 || c.Engine.ArtifactMaxInFlight <= 0 {
		return fmt.Errorf("artifact limits must be positive")
	}
	return nil
}
