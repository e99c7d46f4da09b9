// Package validate checks backup artifacts at three depths: checksum
// (the artifact's bytes still match the recorded digest), structural
// (the decoded artifact parses as what it claims to be), and test
// restore (the dump loads into a scratch database).
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/engine/files"
	"multistore-backup/internal/engine/postgres"
	"multistore-backup/internal/logging"
)

// Level is the validation depth. Each level includes the ones below it.
type Level string

const (
	LevelChecksum    Level = "checksum"
	LevelStructural  Level = "structural"
	LevelTestRestore Level = "test_restore"
)

func (l Level) includes(other Level) bool {
	rank := map[Level]int{LevelChecksum: 0, LevelStructural: 1, LevelTestRestore: 2}
	return rank[l] >= rank[other]
}

// RelationalChecker is the slice of the relational engine validation needs
type RelationalChecker interface {
	StructuralCheck(ctx context.Context, dumpPath string) error
	TestRestore(ctx context.Context, dumpPath string) (*postgres.TestRestoreResult, error)
}

// Validator checks artifacts against their recorded metadata
type Validator struct {
	chain      *backup.TransformChain
	relational RelationalChecker
	tempDir    string
	logger     *logging.Logger
}

// NewValidator builds a validator. relational may be nil; structural and
// restore checks on relational artifacts then degrade to checksum only.
func NewValidator(chain *backup.TransformChain, relational RelationalChecker, tempDir string, logger *logging.Logger) *Validator {
	return &Validator{
		chain:      chain,
		relational: relational,
		tempDir:    tempDir,
		logger:     logger,
	}
}

// ArtifactResult is the outcome for one artifact
type ArtifactResult struct {
	Type         backup.BackupType `json:"type"`
	ChecksumOK   bool              `json:"checksum_ok"`
	StructuralOK *bool             `json:"structural_ok,omitempty"`
	RestoreOK    *bool             `json:"restore_ok,omitempty"`
	TableCount   int               `json:"table_count,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Report is the outcome for one set
type Report struct {
	SetID       string           `json:"set_id"`
	Level       Level            `json:"level"`
	ValidatedAt time.Time        `json:"validated_at"`
	Results     []ArtifactResult `json:"results"`
	Passed      bool             `json:"passed"`
}

// ValidateSet checks every non-failed artifact of the set at the given depth
func (v *Validator) ValidateSet(ctx context.Context, set *backup.BackupSet, level Level) (*Report, error) {
	report := &Report{
		SetID:       set.ID,
		Level:       level,
		ValidatedAt: time.Now().UTC(),
		Passed:      true,
	}

	for _, artifact := range set.Parts {
		if artifact.Failed {
			continue
		}
		result := v.validateArtifact(ctx, artifact, level)
		report.Results = append(report.Results, result)
		if !artifactPassed(result) {
			report.Passed = false
		}
	}
	return report, nil
}

func artifactPassed(r ArtifactResult) bool {
	if !r.ChecksumOK {
		return false
	}
	if r.StructuralOK != nil && !*r.StructuralOK {
		return false
	}
	if r.RestoreOK != nil && !*r.RestoreOK {
		return false
	}
	return true
}

func (v *Validator) validateArtifact(ctx context.Context, artifact *backup.Artifact, level Level) ArtifactResult {
	result := ArtifactResult{Type: artifact.Type}

	actual, err := backup.ChecksumFile(artifact.Path)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ChecksumOK = actual == artifact.Checksum
	if !result.ChecksumOK {
		result.Error = "artifact bytes do not match recorded checksum"
		return result
	}
	if !level.includes(LevelStructural) {
		return result
	}

	decoded, cleanup, err := v.decode(artifact)
	if err != nil {
		result.Error = err.Error()
		fail := false
		result.StructuralOK = &fail
		return result
	}
	defer cleanup()

	if err := v.structural(ctx, artifact, decoded); err != nil {
		result.Error = err.Error()
		fail := false
		result.StructuralOK = &fail
		return result
	}
	ok := true
	result.StructuralOK = &ok
	if !level.includes(LevelTestRestore) {
		return result
	}

	v.testRestore(ctx, artifact, decoded, &result)
	return result
}

// decode inverts the transform chain into the validator's temp space
func (v *Validator) decode(artifact *backup.Artifact) (string, func(), error) {
	if !artifact.Compressed && !artifact.Encrypted {
		return artifact.Path, func() {}, nil
	}
	dst := filepath.Join(v.tempDir, "validate-"+filepath.Base(artifact.Path)+".decoded")
	if err := v.chain.Invert(artifact, dst); err != nil {
		return "", nil, err
	}
	return dst, func() { os.Remove(dst) }, nil
}

func (v *Validator) structural(ctx context.Context, artifact *backup.Artifact, decoded string) error {
	switch artifact.Type {
	case backup.BackupTypeRelationalFull:
		if v.relational == nil {
			return nil
		}
		return v.relational.StructuralCheck(ctx, decoded)
	case backup.BackupTypeRelationalWAL:
		return checkTarReadable(decoded)
	case backup.BackupTypeDocumentFull, backup.BackupTypeDocumentSnapshot:
		return checkNotEmpty(decoded)
	case backup.BackupTypeDocumentOplog:
		return checkExtJSONLines(decoded)
	case backup.BackupTypeDocumentGridFS:
		return checkTarReadable(decoded)
	case backup.BackupTypeKVSnapshot:
		return checkRDBMagic(decoded)
	case backup.BackupTypeFiles:
		return checkFilesManifest(decoded)
	default:
		return checkNotEmpty(decoded)
	}
}

func (v *Validator) testRestore(ctx context.Context, artifact *backup.Artifact, decoded string, result *ArtifactResult) {
	if artifact.Type != backup.BackupTypeRelationalFull || v.relational == nil {
		return
	}
	restore, err := v.relational.TestRestore(ctx, decoded)
	fail := err != nil
	ok := !fail
	result.RestoreOK = &ok
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.TableCount = restore.TableCount
}

func checkNotEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return backup.NewValidationError("decoded artifact unreadable", err)
	}
	if info.Size() == 0 {
		return backup.NewValidationError("decoded artifact is empty", nil)
	}
	return nil
}

func checkTarReadable(path string) error {
	dir, err := os.MkdirTemp(filepath.Dir(path), "tarcheck-")
	if err != nil {
		return backup.NewValidationError("failed to create tar check directory", err)
	}
	defer os.RemoveAll(dir)
	if err := backup.UntarDirectory(path, dir); err != nil {
		return backup.NewValidationError("artifact is not a readable archive", err)
	}
	return nil
}

// checkExtJSONLines verifies the oplog artifact is newline-delimited JSON
func checkExtJSONLines(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return backup.NewValidationError("oplog artifact unreadable", err)
	}
	for i, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			return backup.NewValidationError("oplog artifact has a malformed entry at line "+strconv.Itoa(i+1), nil)
		}
	}
	return nil
}

func checkRDBMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return backup.NewValidationError("snapshot artifact unreadable", err)
	}
	defer f.Close()

	magic := make([]byte, 5)
	if _, err := f.Read(magic); err != nil || string(magic) != "REDIS" {
		return backup.NewValidationError("snapshot artifact is not an RDB file", err)
	}
	return nil
}

// checkFilesManifest parses the manifest and spot-checks that the copies
// it references still exist with the recorded checksums
func checkFilesManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return backup.NewValidationError("manifest unreadable", err)
	}
	var manifest files.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return backup.NewValidationError("manifest is not valid JSON", err)
	}

	const sample = 10
	checked := 0
	for _, entry := range manifest.Files {
		if entry.Reference {
			continue
		}
		if checked >= sample {
			break
		}
		got, err := backup.ChecksumFile(entry.BackupPath)
		if err != nil {
			return backup.NewValidationError("manifest references a missing copy: "+entry.BackupPath, err)
		}
		if got != entry.Checksum {
			return backup.NewValidationError("copied file no longer matches its manifest checksum: "+entry.BackupPath, nil)
		}
		checked++
	}
	return nil
}
