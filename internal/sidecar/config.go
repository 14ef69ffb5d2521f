package sidecar

import (
	"time"

	"jobengine/internal/config"
)

// Config holds configuration for the job sidecar.
type Config struct {
	JobID         string
	IntakeURL     string // job intake base, e.g. http://svc/internal/jobs/{id}
	ArtifactsDir  string
	PollInterval  time.Duration
	UploadTimeout time.Duration
	UploadRetries int
	MaxLifetime   time.Duration // hard stop if no completion signal arrives
}

// LoadConfigFromEnv loads sidecar configuration from environment variables.
func LoadConfigFromEnv() *Config {
	return &Config{
		JobID:         config.GetEnv("JOB_ID", ""),
		IntakeURL:     config.GetEnv("JOB_INTAKE_URL", ""),
		ArtifactsDir:  config.GetEnv("ARTIFACTS_DIR", "/artifacts"),
		PollInterval:  config.GetDurationEnv("POLL_INTERVAL", time.Second),
		UploadTimeout: config.GetDurationEnv("UPLOAD_TIMEOUT", 5*time.Minute),
		UploadRetries: config.GetIntEnv("UPLOAD_RETRIES", 3),
		MaxLifetime:   config.GetDurationEnv("SIDECAR_MAX_LIFETIME", 6*time.Hour),
	}
}
