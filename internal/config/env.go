// Package config handles environment-based configuration loading for the
// server binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	Host string
	Port int

	// Store backend: "s3://bucket/prefix" or a filesystem directory path.
	StoreURL string

	// S3 (only consulted when StoreURL has an s3:// scheme)
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	AWSEndpointURLS3   string
	S3BucketPrefix     string
	S3BucketName       string

	// Document lifecycle
	CheckpointInterval time.Duration
	EvictionGrace      time.Duration
	JanitorSchedule    string
	StaleAfter         time.Duration

	// Auth (empty AuthPrivateKey means auth is disabled)
	AuthPrivateKey string

	URLPrefix string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error collecting every invalid or missing value
// rather than failing on the first one, so an operator fixing config sees
// the whole list in one pass.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.Host = envStr("DOCSYNC_HOST", "0.0.0.0")
	cfg.Port = envInt("DOCSYNC_PORT", 8080, &errs)

	cfg.StoreURL = strings.TrimSpace(envStr("DOCSYNC_STORE", "./data"))

	cfg.AWSAccessKeyID = envStr("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = envStr("AWS_SECRET_ACCESS_KEY", "")
	cfg.AWSRegion = envStr("AWS_REGION", "us-east-1")
	cfg.AWSEndpointURLS3 = envStr("AWS_ENDPOINT_URL_S3", "")
	cfg.S3BucketPrefix = envStr("S3_BUCKET_PREFIX", "")
	cfg.S3BucketName = envStr("S3_BUCKET_NAME", "")

	cfg.CheckpointInterval = envDuration("DOCSYNC_CHECKPOINT_INTERVAL", 10*time.Second, &errs)
	cfg.EvictionGrace = envDuration("DOCSYNC_EVICTION_GRACE", 10*time.Second, &errs)
	cfg.JanitorSchedule = envStr("DOCSYNC_JANITOR_SCHEDULE", "@every 1m")
	cfg.StaleAfter = envDuration("DOCSYNC_STALE_AFTER", 5*cfg.CheckpointInterval, &errs)

	cfg.AuthPrivateKey = envStr("DOCSYNC_AUTH_KEY", "")
	cfg.URLPrefix = strings.TrimSpace(envStr("DOCSYNC_URL_PREFIX", ""))

	validatePort("DOCSYNC_PORT", cfg.Port, &errs)
	if cfg.Host == "" {
		errs = append(errs, "DOCSYNC_HOST must not be empty")
	}
	if cfg.StoreURL == "" {
		errs = append(errs, "DOCSYNC_STORE must not be empty")
	}
	if strings.HasPrefix(cfg.StoreURL, "s3://") && cfg.S3BucketName == "" {
		// Bucket name can also come embedded in the s3:// URL; only flag
		// the env var as missing when the URL carries no host either.
		if cfg.StoreURL == "s3://" {
			errs = append(errs, "S3_BUCKET_NAME must be set when DOCSYNC_STORE uses the s3:// scheme without a bucket")
		}
	}
	if cfg.CheckpointInterval <= 0 {
		errs = append(errs, "DOCSYNC_CHECKPOINT_INTERVAL must be positive")
	}
	if cfg.EvictionGrace < 0 {
		errs = append(errs, "DOCSYNC_EVICTION_GRACE must not be negative")
	}
	scheduleParser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := scheduleParser.Parse(cfg.JanitorSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("DOCSYNC_JANITOR_SCHEDULE: invalid cron expression %q: %v", cfg.JanitorSchedule, err))
	}
	if cfg.StaleAfter <= 0 {
		errs = append(errs, "DOCSYNC_STALE_AFTER must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}
