package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open constructs the named backend rooted at dir.
func Open(backend, dir string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB:
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("storage: leveldb requires a data directory")
		}
		return NewLevelDB(filepath.Join(dir, "state.ldb"))
	case BackendBolt:
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("storage: bolt requires a data directory")
		}
		return NewBoltDB(filepath.Join(dir, "state.bolt"), nil)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
