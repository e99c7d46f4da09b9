package files

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"multistore-backup/internal/backup"
)

// IndexEntry records one source file's last backed-up state
type IndexEntry struct {
	SourcePath string    `json:"source_path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Checksum   string    `json:"checksum"`
	BackupPath string    `json:"backup_path"`
	SetID      string    `json:"set_id"`
	Reference  bool      `json:"reference,omitempty"` // true when deduplicated against another entry's copy
	BackedUpAt time.Time `json:"backed_up_at"`
}

// Index is the persistent file catalog backing change detection and
// content dedup. One goroutine may mutate it at a time; reads take the
// shared lock. The on-disk form is a single JSON file rewritten
// atomically on Save.
type Index struct {
	mu       sync.RWMutex
	path     string
	entries  map[string]*IndexEntry // source path -> entry
	byDigest map[string]string      // checksum -> backup path of the first copy
	lastFull time.Time
}

type indexFile struct {
	Entries  []*IndexEntry `json:"entries"`
	LastFull time.Time     `json:"last_full"`
}

// OpenIndex loads the index file, starting empty when none exists yet
func OpenIndex(path string) (*Index, error) {
	idx := &Index{
		path:     path,
		entries:  make(map[string]*IndexEntry),
		byDigest: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, backup.NewStorageError("failed to read file index", err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, backup.NewIntegrityError("file index is corrupt", err)
	}
	idx.lastFull = f.LastFull
	for _, e := range f.Entries {
		idx.entries[e.SourcePath] = e
		if !e.Reference {
			if _, seen := idx.byDigest[e.Checksum]; !seen {
				idx.byDigest[e.Checksum] = e.BackupPath
			}
		}
	}
	return idx, nil
}

// Save rewrites the index file atomically
func (idx *Index) Save() error {
	idx.mu.RLock()
	f := indexFile{LastFull: idx.lastFull, Entries: make([]*IndexEntry, 0, len(idx.entries))}
	for _, e := range idx.entries {
		f.Entries = append(f.Entries, e)
	}
	idx.mu.RUnlock()

	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return backup.NewStorageError("failed to marshal file index", err)
	}

	tmp := idx.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return backup.NewStorageError("failed to create index directory", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return backup.NewStorageError("failed to write file index", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)
		return backup.NewStorageError("failed to replace file index", err)
	}
	return nil
}

// Lookup returns the recorded state of a source path
func (idx *Index) Lookup(sourcePath string) (*IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[sourcePath]
	return e, ok
}

// LookupDigest returns the backup path already holding this content
func (idx *Index) LookupDigest(checksum string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	p, ok := idx.byDigest[checksum]
	return p, ok
}

// Put records a backed-up file
func (idx *Index) Put(e *IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[e.SourcePath] = e
	if !e.Reference {
		if _, seen := idx.byDigest[e.Checksum]; !seen {
			idx.byDigest[e.Checksum] = e.BackupPath
		}
	}
}

// MarkFull records that a full pass completed at t
func (idx *Index) MarkFull(t time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lastFull = t
}

// LastFull reports when the last full pass completed
func (idx *Index) LastFull() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastFull
}

// Len reports the number of indexed files
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// UnlinkSet removes every entry whose copy lives in the given set and
// returns how many were removed. Retention calls this before deleting
// the set's directory so the index never points at missing files.
func (idx *Index) UnlinkSet(setID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for path, e := range idx.entries {
		if e.SetID != setID {
			continue
		}
		delete(idx.entries, path)
		if !e.Reference && idx.byDigest[e.Checksum] == e.BackupPath {
			delete(idx.byDigest, e.Checksum)
		}
		removed++
	}
	return removed
}
