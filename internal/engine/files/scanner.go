package files

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
)

// Candidate is one source file selected by the scanner
type Candidate struct {
	Path     string
	Root     string
	Size     int64
	ModTime  time.Time
	Mode     fs.FileMode
	Category string
}

// Scanner walks the configured roots and applies the size, age and
// extension filters
type Scanner struct {
	cfg   config.FilesConfig
	byExt map[string]string // ".jpg" -> category
	now   func() time.Time
}

// NewScanner builds a scanner from the engine configuration
func NewScanner(cfg config.FilesConfig) *Scanner {
	byExt := make(map[string]string)
	for category, exts := range cfg.FileTypes {
		for _, ext := range exts {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			byExt[strings.ToLower(ext)] = category
		}
	}
	return &Scanner{cfg: cfg, byExt: byExt, now: time.Now}
}

// Scan returns every file under the roots that passes the filters.
// Unreadable subtrees are skipped and counted, not fatal: one bad mount
// must not sink the whole run.
func (s *Scanner) Scan() ([]Candidate, int, error) {
	var candidates []Candidate
	skipped := 0

	for _, root := range s.cfg.Roots {
		if _, err := os.Stat(root); err != nil {
			return nil, 0, backup.NewConfigurationError("file root is not accessible: "+root, err)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				skipped++
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				skipped++
				return nil
			}
			c, ok := s.filter(root, path, info)
			if !ok {
				return nil
			}
			candidates = append(candidates, c)
			return nil
		})
		if err != nil {
			return nil, 0, backup.NewStorageError("failed to walk file root "+root, err)
		}
	}
	return candidates, skipped, nil
}

func (s *Scanner) filter(root, path string, info fs.FileInfo) (Candidate, bool) {
	if s.cfg.MaxFileSize > 0 && info.Size() > s.cfg.MaxFileSize {
		return Candidate{}, false
	}

	age := s.now().Sub(info.ModTime())
	if s.cfg.MinAge > 0 && age < s.cfg.MinAge {
		// Still being written, most likely. The next run picks it up.
		return Candidate{}, false
	}
	if s.cfg.MaxAge > 0 && age > s.cfg.MaxAge {
		return Candidate{}, false
	}

	category := "other"
	if len(s.byExt) > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		cat, ok := s.byExt[ext]
		if !ok {
			return Candidate{}, false
		}
		category = cat
	}

	return Candidate{
		Path:     path,
		Root:     root,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Mode:     info.Mode(),
		Category: category,
	}, true
}
