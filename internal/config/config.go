// Package config implements TOML configuration loading, validation, and hot
// reload for the sync engine. It supports a layered override chain
// (defaults -> config file -> environment -> CLI flags) and treats unknown
// config keys as fatal with "did you mean?" suggestions.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Cache    CacheConfig    `toml:"cache"`
	Sync     SyncConfig     `toml:"sync"`
	Remote   RemoteConfig   `toml:"remote"`
	Network  NetworkConfig  `toml:"network"`
	Precache PrecacheConfig `toml:"precache"`
	Logging  LoggingConfig  `toml:"logging"`
}

// StorageConfig controls where the engine keeps its local state. The SQLite
// database and the flat fallback file both live under data_dir.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// CacheConfig controls TTL and offline behavior of the layered cache.
// Durations are strings ("30m", "24h") so the file stays human-editable.
type CacheConfig struct {
	TTL          string `toml:"ttl"`
	OfflineGrace string `toml:"offline_grace"`
	SweepLimit   int    `toml:"sweep_limit"`
}

// SyncConfig controls queue drain behavior.
type SyncConfig struct {
	MaxRetries  int    `toml:"max_retries"`
	BackoffBase string `toml:"backoff_base"`
	BackoffCap  string `toml:"backoff_cap"`
	GCRetention string `toml:"gc_retention"`
}

// RemoteConfig controls the HTTP client for the hosted document service.
type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	UserAgent string `toml:"user_agent"`
}

// NetworkConfig controls the connectivity watcher.
type NetworkConfig struct {
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
	Debounce      string `toml:"debounce"`
}

// PrecacheConfig controls the background precache channel. An empty
// worker_url disables precaching entirely.
type PrecacheConfig struct {
	WorkerURL   string `toml:"worker_url"`
	SendTimeout string `toml:"send_timeout"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	LogLevel   *string // --log-level flag
}
