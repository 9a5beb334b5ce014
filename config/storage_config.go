package config

import "fmt"

// StorageType selects the durability backend (SPEC_FULL.md §4.5).
type StorageType string

const (
	// StorageTypeNone disables persistence entirely.
	StorageTypeNone StorageType = "none"
	// StorageTypeFile is the spec-mandated append-log + JSON-snapshot
	// backend under a data directory.
	StorageTypeFile StorageType = "file"
	// StorageTypeMemory is an in-memory BuntDB-backed KV store, volatile
	// across restarts.
	StorageTypeMemory StorageType = "memory"
	// StorageTypeBuntDB is a persistent BuntDB-backed KV store.
	StorageTypeBuntDB StorageType = "buntdb"
)

// StorageConfig selects and configures a durability backend.
type StorageConfig struct {
	Type StorageType

	// File-backend configuration.
	File *FileConfig

	// BuntDB-backend configuration.
	BuntDB *BuntDBConfig
}

// FileConfig configures the file-based durability backend.
type FileConfig struct {
	// DataDir is the directory holding messages.log, queues.json,
	// exchanges.json and bindings.json. Created if missing.
	DataDir string
}

// BuntDBConfig configures the BuntDB-based durability backend.
type BuntDBConfig struct {
	// Path is the BuntDB file path, or ":memory:" for in-memory storage.
	Path string
}

// Validate checks that the selected storage type carries the config it needs.
func (sc StorageConfig) Validate() error {
	switch sc.Type {
	case StorageTypeNone, StorageTypeMemory:
		return nil
	case StorageTypeFile:
		if sc.File == nil || sc.File.DataDir == "" {
			return fmt.Errorf("file storage requires a non-empty DataDir")
		}
		return nil
	case StorageTypeBuntDB:
		if sc.BuntDB == nil {
			return fmt.Errorf("buntdb storage requires a BuntDBConfig")
		}
		return nil
	case "":
		return fmt.Errorf("storage type not specified")
	default:
		return fmt.Errorf("unknown storage type: %s", sc.Type)
	}
}
