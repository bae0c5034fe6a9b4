package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/inkdoc/docsync/internal/config"
	"github.com/inkdoc/docsync/internal/store"
)

// storeFromConfig dispatches on storeURL's scheme: s3:// selects the
// S3-compatible backend, anything else is treated as a filesystem
// directory path. The chosen backend is wrapped in a retry decorator so
// transient backend failures are retried with bounded exponential backoff
// before the caller ever sees them.
func storeFromConfig(cfg *config.EnvConfig) (store.Store, error) {
	if strings.HasPrefix(cfg.StoreURL, "s3://") {
		bucket, prefix, err := parseS3URL(cfg.StoreURL)
		if err != nil {
			return nil, err
		}
		if bucket == "" {
			bucket = cfg.S3BucketName
		}
		if prefix == "" {
			prefix = cfg.S3BucketPrefix
		}
		if bucket == "" {
			return nil, fmt.Errorf("store: s3 bucket name not set (DOCSYNC_STORE or S3_BUCKET_NAME)")
		}

		s3Store, err := store.NewS3Store(store.S3Config{
			Region:    cfg.AWSRegion,
			Endpoint:  cfg.AWSEndpointURLS3,
			Bucket:    bucket,
			Prefix:    prefix,
			AccessKey: cfg.AWSAccessKeyID,
			SecretKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("store: new s3 store: %w", err)
		}
		return store.NewRetryStore(s3Store), nil
	}

	fsStore, err := store.NewFileSystemStore(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("store: new filesystem store: %w", err)
	}
	return store.NewRetryStore(fsStore), nil
}

// parseS3URL splits "s3://bucket/prefix" into its bucket and prefix parts.
// A bare "s3://" (no host) returns empty strings, letting the caller fall
// back to explicit S3_BUCKET_NAME/S3_BUCKET_PREFIX env vars.
func parseS3URL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("store: invalid s3 url %q: %w", raw, err)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
