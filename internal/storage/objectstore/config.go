package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forgeline-labs/forgeline/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	BucketAssets    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("FORGELINE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("FORGELINE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("FORGELINE_MINIO_ACCESS_KEY", "forgeline"),
		SecretKey:       env.String("FORGELINE_MINIO_SECRET_KEY", "forgelineminio"),
		Region:          env.String("FORGELINE_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("FORGELINE_MINIO_BUCKET_ARTIFACTS", "build-artifacts"),
		BucketAssets:    env.String("FORGELINE_MINIO_BUCKET_ASSETS", "branding-assets"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
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
	if strings.TrimSpace(c.BucketAssets) == "" {
		return errors.New("assets bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
