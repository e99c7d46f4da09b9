package files

import (
	"encoding/json"
	"os"

	"multistore-backup/internal/backup"
)

// ReadManifest loads and parses a run manifest
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, backup.NewStorageError("failed to read manifest", err)
	}
	manifest := &Manifest{}
	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, backup.NewIntegrityError("manifest is corrupt", err)
	}
	return manifest, nil
}
