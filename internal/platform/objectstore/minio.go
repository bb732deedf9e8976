// Package objectstore configures the MinIO client used for transcript
// archiving.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quarry-labs/quarry-go/internal/platform/env"
)

type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Region     string
	BucketLogs string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("QUARRY_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:   env.String("QUARRY_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:  env.String("QUARRY_MINIO_ACCESS_KEY", ""),
		SecretKey:  env.String("QUARRY_MINIO_SECRET_KEY", ""),
		UseSSL:     useSSL,
		Region:     env.String("QUARRY_MINIO_REGION", ""),
		BucketLogs: env.String("QUARRY_MINIO_BUCKET_LOGS", "quarry-run-logs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("QUARRY_MINIO_ENDPOINT is required")
	}
	if c.AccessKey == "" {
		return errors.New("QUARRY_MINIO_ACCESS_KEY is required")
	}
	if c.SecretKey == "" {
		return errors.New("QUARRY_MINIO_SECRET_KEY is required")
	}
	if c.BucketLogs == "" {
		return errors.New("QUARRY_MINIO_BUCKET_LOGS is required")
	}
	return nil
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// EnsureLogsBucket creates the transcript bucket when it does not exist yet.
func EnsureLogsBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketLogs)
	if err != nil {
		return fmt.Errorf("logs bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.BucketLogs, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make logs bucket: %w", err)
	}
	return nil
}

// CheckLogsBucket verifies the transcript bucket is reachable, for readiness
// probes.
func CheckLogsBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketLogs)
	if err != nil {
		return fmt.Errorf("logs bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("logs bucket missing: %s", cfg.BucketLogs)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
