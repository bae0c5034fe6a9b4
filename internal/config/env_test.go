package config

import (
	"testing"
	"time"
)

func TestLoadEnvConfig_Defaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig failed: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 8080 {
		t.Fatalf("unexpected defaults: host=%q port=%d", cfg.Host, cfg.Port)
	}
	if cfg.CheckpointInterval != 10*time.Second {
		t.Fatalf("expected default checkpoint interval of 10s, got %s", cfg.CheckpointInterval)
	}
	if cfg.StaleAfter != 5*cfg.CheckpointInterval {
		t.Fatalf("expected default stale-after of 5x checkpoint interval, got %s", cfg.StaleAfter)
	}
	if cfg.JanitorSchedule != "@every 1m" {
		t.Fatalf("expected default janitor schedule, got %q", cfg.JanitorSchedule)
	}
}

func TestLoadEnvConfig_RejectsInvalidPort(t *testing.T) {
	t.Setenv("DOCSYNC_PORT", "99999")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected an out-of-range port to fail validation")
	}
}

func TestLoadEnvConfig_RejectsNonIntegerPort(t *testing.T) {
	t.Setenv("DOCSYNC_PORT", "not-a-number")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected a non-integer port to fail validation")
	}
}

func TestLoadEnvConfig_RejectsInvalidDuration(t *testing.T) {
	t.Setenv("DOCSYNC_CHECKPOINT_INTERVAL", "not-a-duration")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected an invalid duration to fail validation")
	}
}

func TestLoadEnvConfig_AcceptsStandardCronSchedule(t *testing.T) {
	t.Setenv("DOCSYNC_JANITOR_SCHEDULE", "*/5 * * * *")
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("expected a standard 5-field cron schedule to validate, got %v", err)
	}
	if cfg.JanitorSchedule != "*/5 * * * *" {
		t.Fatalf("unexpected schedule: %q", cfg.JanitorSchedule)
	}
}

func TestLoadEnvConfig_AcceptsEveryDescriptorSchedule(t *testing.T) {
	t.Setenv("DOCSYNC_JANITOR_SCHEDULE", "@every 30s")
	if _, err := LoadEnvConfig(); err != nil {
		t.Fatalf("expected an @every descriptor schedule to validate, got %v", err)
	}
}

func TestLoadEnvConfig_RejectsGarbageSchedule(t *testing.T) {
	t.Setenv("DOCSYNC_JANITOR_SCHEDULE", "not a schedule")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected a garbage cron schedule to fail validation")
	}
}

func TestLoadEnvConfig_RejectsEmptyStore(t *testing.T) {
	t.Setenv("DOCSYNC_STORE", "")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected an empty store URL to fail validation")
	}
}

func TestLoadEnvConfig_RejectsS3SchemeWithNoBucket(t *testing.T) {
	t.Setenv("DOCSYNC_STORE", "s3://")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected a bare s3:// store URL with no bucket name to fail validation")
	}
}
