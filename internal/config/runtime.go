package config

// RuntimeConfig is the effective, JSON-serializable view of a running
// server's document-lifecycle settings, exposed read-only at GET
// /admin/config so an operator can confirm what's actually in effect
// without cross-referencing every env var by hand.
type RuntimeConfig struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	StoreURL           string   `json:"store"`
	CheckpointInterval Duration `json:"checkpoint_interval"`
	EvictionGrace      Duration `json:"eviction_grace"`
	JanitorSchedule    string   `json:"janitor_schedule"`
	StaleAfter         Duration `json:"stale_after"`
	AuthEnabled        bool     `json:"auth_enabled"`
}

// NewRuntimeConfig builds the admin-facing snapshot from an EnvConfig.
func NewRuntimeConfig(env *EnvConfig) *RuntimeConfig {
	return &RuntimeConfig{
		Host:               env.Host,
		Port:               env.Port,
		StoreURL:           env.StoreURL,
		CheckpointInterval: Duration(env.CheckpointInterval),
		EvictionGrace:      Duration(env.EvictionGrace),
		JanitorSchedule:    env.JanitorSchedule,
		StaleAfter:         Duration(env.StaleAfter),
		AuthEnabled:        env.AuthPrivateKey != "",
	}
}
