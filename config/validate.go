package config

import (
	"fmt"
	"strings"

	"batchsettle/storage"
)

// Validate rejects configurations the engine cannot start with.
func Validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}
	if _, err := cfg.Distribution.Runtime(); err != nil {
		return err
	}
	if cfg.Quota.EpochSeconds == 0 && (cfg.Quota.MaxRequestsPerEpoch > 0 || cfg.Quota.MaxRecipientsPerEpoch > 0) {
		return fmt.Errorf("quota: EpochSeconds required when limits are set")
	}
	return nil
}
