package config

import (
	"fmt"
)

// Validate checks a normalized configuration and returns the first problem
// found. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}

	if cfg.Storage.SecondaryRoot == "" {
		return fmt.Errorf("%w: storage.secondary_root is required", ErrInvalid)
	}

	// renew must fire several times within the staleness window
	if cfg.Leader.RenewEvery*3 > cfg.Leader.StaleAfter {
		return fmt.Errorf("%w: leader.renew_every (%s) must be at most a third of leader.stale_after (%s)",
			ErrInvalid, cfg.Leader.RenewEvery, cfg.Leader.StaleAfter)
	}

	seen := make(map[string]bool)
	for i, j := range cfg.Jobs {
		if j.Exchange == "" || j.Topic == "" {
			return fmt.Errorf("%w: jobs[%d]: exchange and topic are required", ErrInvalid, i)
		}
		key := j.Exchange + "/" + j.Topic
		if seen[key] {
			return fmt.Errorf("%w: jobs[%d]: duplicate job %s", ErrInvalid, i, key)
		}
		seen[key] = true

		if j.Rate.Capacity < 1 {
			return fmt.Errorf("%w: job %s: rate.capacity must be >= 1", ErrInvalid, key)
		}
		if j.Backoff.Max < j.Backoff.Base {
			return fmt.Errorf("%w: job %s: backoff.max (%s) is below backoff.base (%s)",
				ErrInvalid, key, j.Backoff.Max, j.Backoff.Base)
		}
	}

	if p := cfg.Metrics.Port; p < 0 || p > 65535 {
		return fmt.Errorf("%w: metrics.port %d out of range", ErrInvalid, p)
	}
	if p := cfg.Health.Port; p < 0 || p > 65535 {
		return fmt.Errorf("%w: health.port %d out of range", ErrInvalid, p)
	}

	switch cfg.Tracing.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("%w: tracing.exporter %q (want none or stdout)", ErrInvalid, cfg.Tracing.Exporter)
	}
	return nil
}
