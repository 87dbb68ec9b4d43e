package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported backend identifiers for Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open returns the database selected by backend. Persistent backends are
// rooted under dataDir.
func Open(backend, dataDir string) (Database, error) {
	normalized := strings.ToLower(strings.TrimSpace(backend))
	if normalized == "" {
		normalized = BackendMemory
	}
	if normalized != BackendMemory {
		if strings.TrimSpace(dataDir) == "" {
			return nil, fmt.Errorf("storage: data dir required for %s backend", normalized)
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}
	switch normalized {
	case BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB:
		return NewLevelDB(filepath.Join(dataDir, "ledger"))
	case BackendBolt:
		return NewBoltDB(filepath.Join(dataDir, "ledger.db"), nil)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", backend)
	}
}
