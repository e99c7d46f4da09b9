package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateSetID produces an id that sorts by creation time. The time
// prefix keeps directory listings chronological; the uuid suffix keeps
// ids unique across concurrent firings.
func GenerateSetID(at time.Time) string {
	return fmt.Sprintf("%s-%s", at.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// GenerateConsistencyPointID produces a consistency point id
func GenerateConsistencyPointID(at time.Time) string {
	return fmt.Sprintf("cp-%s-%s", at.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// Validate checks the BackupSet invariants that hold regardless of status
func (s *BackupSet) Validate() error {
	if s.ID == "" {
		return NewValidationError("backup set id is required", nil)
	}
	if s.Schedule == "" {
		return NewValidationError("backup set schedule is required", nil)
	}
	if len(s.Types) == 0 {
		return NewValidationError("backup set needs at least one type", nil)
	}
	if s.Status == SetStatusCompleted {
		for typ, artifact := range s.Parts {
			if artifact.Failed {
				continue
			}
			if artifact.Path == "" {
				return NewValidationError(fmt.Sprintf("completed set has artifact %s without a path", typ), nil)
			}
			if artifact.Checksum == "" {
				return NewValidationError(fmt.Sprintf("completed set has artifact %s without a checksum", typ), nil)
			}
		}
	}
	return nil
}

// RecordFailure appends a structured failure record to the set
func (s *BackupSet) RecordFailure(typ BackupType, err error) {
	s.FailureRecords = append(s.FailureRecords, FailureRecord{
		Kind:      KindOf(err),
		Type:      typ,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// TotalBytes sums the final on-disk size of all non-failed artifacts
func (s *BackupSet) TotalBytes() int64 {
	var total int64
	for _, a := range s.Parts {
		if !a.Failed {
			total += a.Bytes
		}
	}
	return total
}

// HasType reports whether the set declared the given backup type
func (s *BackupSet) HasType(t BackupType) bool {
	for _, st := range s.Types {
		if st == t {
			return true
		}
	}
	return false
}

// ToJSON serializes the set for its sidecar
func (s *BackupSet) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromJSON deserializes a sidecar into the set
func (s *BackupSet) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, s); err != nil {
		return NewValidationError("failed to unmarshal backup set JSON", err)
	}
	return s.Validate()
}

// ChecksumFile computes the SHA-256 of a file's bytes on disk, streaming
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", NewStorageError(fmt.Sprintf("failed to open %s for checksum", path), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", NewStorageError(fmt.Sprintf("failed to hash %s", path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the SHA-256 of an in-memory buffer
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseBackupTypes parses a comma-separated list of backup types
func ParseBackupTypes(s string) ([]BackupType, error) {
	if s == "" {
		return nil, nil
	}
	var types []BackupType
	for _, raw := range strings.Split(s, ",") {
		t := BackupType(strings.TrimSpace(raw))
		switch t {
		case BackupTypeRelationalFull, BackupTypeRelationalWAL,
			BackupTypeDocumentFull, BackupTypeDocumentOplog, BackupTypeDocumentSnapshot,
			BackupTypeDocumentGridFS, BackupTypeKVSnapshot, BackupTypeFiles, BackupTypeFullSystem:
			types = append(types, t)
		default:
			return nil, NewValidationError(fmt.Sprintf("unknown backup type %q", raw), nil)
		}
	}
	return types, nil
}
