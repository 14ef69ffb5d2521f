// Package s3 stores artifacts in AWS S3 or an S3-compatible service.
package s3

import (
	"errors"

	"jobengine/internal/config"
)

// DefaultAWSRegion is the fallback region for AWS S3 when none is resolved.
const DefaultAWSRegion = "us-east-1"

// Config configures the S3 backend.
//
// Credentials come from AccessKeyID/SecretAccessKey when both are set,
// otherwise from the SDK default chain (environment, shared config, role).
// For MinIO and similar services set Endpoint and usually ForcePathStyle.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	// PublicBaseURL overrides the address artifact links are built from,
	// e.g. a CDN in front of the bucket.
	PublicBaseURL string
}

// LoadConfigFromEnv loads S3 configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Bucket:          config.GetEnv("S3_BUCKET", ""),
		Region:          config.GetEnv("S3_REGION", ""),
		Endpoint:        config.GetEnv("S3_ENDPOINT", ""),
		Profile:         config.GetEnv("S3_PROFILE", ""),
		AccessKeyID:     config.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: config.GetSecretFile(config.GetEnv("S3_SECRET_ACCESS_KEY_FILE", "")),
		ForcePathStyle:  config.GetBoolEnv("S3_FORCE_PATH_STYLE", false),
		PublicBaseURL:   config.GetEnv("S3_PUBLIC_BASE_URL", ""),
	}
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 config: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 config: access key ID and secret access key must be provided together")
	}
	return nil
}
