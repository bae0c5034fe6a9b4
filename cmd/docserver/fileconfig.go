package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the DOCSYNC_*/AWS_* environment variables config.LoadEnvConfig
// reads, for operators who'd rather check in one YAML file than manage a
// large block of env vars.
type fileConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Store              string `yaml:"store"`
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSRegion          string `yaml:"aws_region"`
	AWSEndpointURLS3   string `yaml:"aws_endpoint_url_s3"`
	S3BucketPrefix     string `yaml:"s3_bucket_prefix"`
	S3BucketName       string `yaml:"s3_bucket_name"`
	CheckpointInterval string `yaml:"checkpoint_interval"`
	EvictionGrace      string `yaml:"eviction_grace"`
	JanitorSchedule    string `yaml:"janitor_schedule"`
	StaleAfter         string `yaml:"stale_after"`
	AuthKey            string `yaml:"auth_key"`
	URLPrefix          string `yaml:"url_prefix"`
}

// loadFileConfigDefaults reads a YAML file at path, if one is given, and
// backfills the corresponding env vars for any not already present in the
// environment. Env vars always win over the file, so a deployment can keep
// most settings in the checked-in file and override a handful per
// environment without editing it.
func loadFileConfigDefaults(path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setIfAbsent("DOCSYNC_HOST", fc.Host)
	if fc.Port != 0 {
		setIfAbsent("DOCSYNC_PORT", fmt.Sprintf("%d", fc.Port))
	}
	setIfAbsent("DOCSYNC_STORE", fc.Store)
	setIfAbsent("AWS_ACCESS_KEY_ID", fc.AWSAccessKeyID)
	setIfAbsent("AWS_SECRET_ACCESS_KEY", fc.AWSSecretAccessKey)
	setIfAbsent("AWS_REGION", fc.AWSRegion)
	setIfAbsent("AWS_ENDPOINT_URL_S3", fc.AWSEndpointURLS3)
	setIfAbsent("S3_BUCKET_PREFIX", fc.S3BucketPrefix)
	setIfAbsent("S3_BUCKET_NAME", fc.S3BucketName)
	setIfAbsent("DOCSYNC_CHECKPOINT_INTERVAL", fc.CheckpointInterval)
	setIfAbsent("DOCSYNC_EVICTION_GRACE", fc.EvictionGrace)
	setIfAbsent("DOCSYNC_JANITOR_SCHEDULE", fc.JanitorSchedule)
	setIfAbsent("DOCSYNC_STALE_AFTER", fc.StaleAfter)
	setIfAbsent("DOCSYNC_AUTH_KEY", fc.AuthKey)
	setIfAbsent("DOCSYNC_URL_PREFIX", fc.URLPrefix)
	return nil
}

func setIfAbsent(key, value string) {
	if value == "" {
		return
	}
	if _, ok := os.LookupEnv(key); ok {
		return
	}
	os.Setenv(key, value)
}
