package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validate checks a Config for semantic errors: unparseable durations,
// negative counts, malformed URLs. All problems are reported at once rather
// than one per run.
func Validate(cfg *Config) error {
	var errs []error

	durations := []struct {
		key   string
		value string
	}{
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.offline_grace", cfg.Cache.OfflineGrace},
		{"sync.backoff_base", cfg.Sync.BackoffBase},
		{"sync.backoff_cap", cfg.Sync.BackoffCap},
		{"sync.gc_retention", cfg.Sync.GCRetention},
		{"network.probe_interval", cfg.Network.ProbeInterval},
		{"network.probe_timeout", cfg.Network.ProbeTimeout},
		{"network.debounce", cfg.Network.Debounce},
		{"precache.send_timeout", cfg.Precache.SendTimeout},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}

		if parsed, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.key, d.value))
		} else if parsed < 0 {
			errs = append(errs, fmt.Errorf("%s: duration must not be negative", d.key))
		}
	}

	if cfg.Cache.SweepLimit < 0 {
		errs = append(errs, errors.New("cache.sweep_limit: must not be negative"))
	}

	if cfg.Sync.MaxRetries < 1 {
		errs = append(errs, errors.New("sync.max_retries: must be at least 1"))
	}

	for _, u := range []struct {
		key     string
		value   string
		schemes []string
	}{
		{"remote.base_url", cfg.Remote.BaseURL, []string{"http", "https"}},
		{"precache.worker_url", cfg.Precache.WorkerURL, []string{"ws", "wss"}},
	} {
		if u.value == "" {
			continue
		}

		if err := validateURL(u.key, u.value, u.schemes); err != nil {
			errs = append(errs, err)
		}
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: unknown level %q", cfg.Logging.LogLevel))
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: unknown format %q", cfg.Logging.LogFormat))
	}

	return errors.Join(errs...)
}

func validateURL(key, value string, schemes []string) error {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s: invalid URL %q", key, value)
	}

	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("%s: URL scheme must be one of %v, got %q", key, schemes, parsed.Scheme)
}

// Duration returns the parsed form of a validated duration string, or fall
// when the string is empty.
func Duration(value string, fall time.Duration) time.Duration {
	if value == "" {
		return fall
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fall
	}

	return parsed
}
