package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewRuntimeConfig_ReflectsEnvConfig(t *testing.T) {
	env := &EnvConfig{
		Host:               "0.0.0.0",
		Port:               9090,
		StoreURL:           "./data",
		CheckpointInterval: 15 * time.Second,
		EvictionGrace:      20 * time.Second,
		JanitorSchedule:    "@every 1m",
		StaleAfter:         time.Minute,
		AuthPrivateKey:     "some-key",
	}

	rc := NewRuntimeConfig(env)
	if rc.Port != 9090 || rc.StoreURL != "./data" {
		t.Fatalf("unexpected runtime config: %+v", rc)
	}
	if !rc.AuthEnabled {
		t.Fatal("expected AuthEnabled to be true when AuthPrivateKey is set")
	}
	if rc.CheckpointInterval.Std() != 15*time.Second {
		t.Fatalf("expected checkpoint interval to round trip, got %s", rc.CheckpointInterval.Std())
	}
}

func TestNewRuntimeConfig_AuthDisabledWhenKeyEmpty(t *testing.T) {
	env := &EnvConfig{AuthPrivateKey: ""}
	rc := NewRuntimeConfig(env)
	if rc.AuthEnabled {
		t.Fatal("expected AuthEnabled to be false with no auth key configured")
	}
}

func TestRuntimeConfig_MarshalsDurationsAsStrings(t *testing.T) {
	rc := NewRuntimeConfig(&EnvConfig{CheckpointInterval: 10 * time.Second})
	b, err := json.Marshal(rc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out["checkpoint_interval"] != "10s" {
		t.Fatalf("expected checkpoint_interval to serialize as \"10s\", got %v", out["checkpoint_interval"])
	}
}
