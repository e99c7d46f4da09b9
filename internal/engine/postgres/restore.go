package postgres

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"multistore-backup/internal/backup"
)

// Restore loads a decoded full dump into the configured database,
// dropping and recreating objects as it goes. The caller must have
// inverted the artifact's transforms first.
func (e *Engine) Restore(ctx context.Context, dumpPath string) error {
	if err := backup.LookupTool(e.cfg.RestoreTool); err != nil {
		return err
	}

	stageDir, err := os.MkdirTemp(filepath.Dir(dumpPath), "restore-")
	if err != nil {
		return backup.NewStorageError("failed to create restore staging directory", err)
	}
	defer os.RemoveAll(stageDir)
	if err := backup.UntarDirectory(dumpPath, stageDir); err != nil {
		return err
	}

	workers := e.cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}
	_, err = backup.RunCommand(ctx, backup.CommandSpec{
		Name: e.cfg.RestoreTool,
		Args: []string{
			"--dbname=" + e.cfg.DSN,
			"--jobs=" + strconv.Itoa(workers),
			"--clean",
			"--if-exists",
			"--no-owner",
			stageDir,
		},
		Timeout: e.cfg.DumpTimeout,
	})
	return err
}

// StagedWAL describes the segments staged for server-side replay
type StagedWAL struct {
	Dir      string     `json:"dir"`
	Segments []string   `json:"segments"`
	StartLSN backup.LSN `json:"start_lsn"`
	EndLSN   backup.LSN `json:"end_lsn"`
}

// StageWAL unpacks a decoded WAL artifact into dstDir, decompressing
// each segment back to its original name. The server replays them from
// there via its restore_command; this process never rewrites data files
// itself. Segments beginning past stopLSN are left out so replay ends
// at the requested position; a zero stopLSN stages everything.
func (e *Engine) StageWAL(ctx context.Context, walArtifactPath, dstDir string, stopLSN backup.LSN) (*StagedWAL, error) {
	stageDir, err := os.MkdirTemp(filepath.Dir(walArtifactPath), "walstage-")
	if err != nil {
		return nil, backup.NewStorageError("failed to create WAL staging directory", err)
	}
	defer os.RemoveAll(stageDir)

	if err := backup.UntarDirectory(walArtifactPath, stageDir); err != nil {
		return nil, err
	}

	indexData, err := os.ReadFile(filepath.Join(stageDir, "index.json"))
	if err != nil {
		return nil, backup.NewIntegrityError("WAL artifact has no index", err)
	}
	var index walIndex
	if err := json.Unmarshal(indexData, &index); err != nil {
		return nil, backup.NewIntegrityError("WAL index is corrupt", err)
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, backup.NewStorageError("failed to create WAL replay directory", err)
	}

	cm := backup.NewCompressionManager()
	staged := &StagedWAL{Dir: dstDir, StartLSN: index.SinceLSN, EndLSN: index.EndLSN}
	if stopLSN != 0 && stopLSN < staged.EndLSN {
		staged.EndLSN = stopLSN
	}
	wanted := 0
	for _, seg := range index.Segments {
		if stopLSN != 0 && seg.StartLSN > stopLSN {
			continue
		}
		wanted++
		select {
		case <-ctx.Done():
			return nil, backup.NewTimeoutError("WAL staging cancelled", ctx.Err())
		default:
		}
		src := filepath.Join(stageDir, seg.Name+".gz")
		dst := filepath.Join(dstDir, seg.Name)
		if err := cm.DecompressFile(src, dst, backup.CompressionGzip); err != nil {
			return nil, err
		}
		staged.Segments = append(staged.Segments, seg.Name)
	}

	if len(staged.Segments) != wanted {
		return nil, backup.NewIntegrityError("WAL artifact is missing segments listed in its index", nil)
	}
	return staged, nil
}

// WALCovers reports whether the artifact's segment range reaches lsn
func WALCovers(meta *backup.RelationalMeta, lsn backup.LSN) bool {
	return meta != nil && meta.StartLSN <= lsn && lsn <= meta.EndLSN
}

// SegmentNames lists the staged segment files in replay order
func (s *StagedWAL) SegmentNames() []string {
	names := make([]string, len(s.Segments))
	copy(names, s.Segments)
	sort.Strings(names)
	return names
}
