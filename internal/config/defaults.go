package config

// Default values for configuration options. These are "layer 0" of the
// override chain and are chosen so the engine works with no config file.
const (
	defaultTTL           = "30m"
	defaultOfflineGrace  = "24h"
	defaultSweepLimit    = 100
	defaultMaxRetries    = 3
	defaultBackoffBase   = "500ms"
	defaultBackoffCap    = "10s"
	defaultGCRetention   = "168h" // one week
	defaultUserAgent     = "wayfare-go/0.1"
	defaultProbeInterval = "15s"
	defaultProbeTimeout  = "5s"
	defaultDebounce      = "2s"
	defaultSendTimeout   = "3s"
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding (unset fields retain defaults) and
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL:          defaultTTL,
			OfflineGrace: defaultOfflineGrace,
			SweepLimit:   defaultSweepLimit,
		},
		Sync: SyncConfig{
			MaxRetries:  defaultMaxRetries,
			BackoffBase: defaultBackoffBase,
			BackoffCap:  defaultBackoffCap,
			GCRetention: defaultGCRetention,
		},
		Remote: RemoteConfig{
			UserAgent: defaultUserAgent,
		},
		Network: NetworkConfig{
			ProbeInterval: defaultProbeInterval,
			ProbeTimeout:  defaultProbeTimeout,
			Debounce:      defaultDebounce,
		},
		Precache: PrecacheConfig{
			SendTimeout: defaultSendTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
