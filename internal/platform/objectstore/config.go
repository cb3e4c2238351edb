package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/packfarm/packfarm/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	BucketLogs      string
}

// ConfigFromEnv reads the MinIO settings. An empty PACKFARM_MINIO_ENDPOINT
// means blobs stay in the service state directory.
func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("PACKFARM_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        strings.TrimSpace(env.String("PACKFARM_MINIO_ENDPOINT", "")),
		AccessKey:       env.String("PACKFARM_MINIO_ACCESS_KEY", "packfarm"),
		SecretKey:       env.String("PACKFARM_MINIO_SECRET_KEY", "packfarmminio"),
		Region:          env.String("PACKFARM_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("PACKFARM_MINIO_BUCKET_ARTIFACTS", "artifacts"),
		BucketLogs:      env.String("PACKFARM_MINIO_BUCKET_LOGS", "build-logs"),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.TrimSpace(c.BucketLogs) == "" {
		return errors.New("logs bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
