package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// TarDirectory packs the contents of dir into a single tar file.
// Multi-file engine outputs (directory-format dumps, WAL segment sets,
// GridFS exports) become one artifact this way so the checksum and
// transform invariants hold.
func TarDirectory(dir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return NewStorageError("failed to create tar file", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to tar %s", dir), err)
	}
	return nil
}

// UntarDirectory unpacks a tar produced by TarDirectory into dir,
// refusing entries that would escape it
func UntarDirectory(src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return NewStorageError("failed to open tar file", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return NewStorageError("failed to read tar entry", err)
		}
		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return NewIntegrityError("tar entry escapes destination directory", nil)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return NewStorageError("failed to create tar target directory", err)
		}
		out, err := os.Create(target)
		if err != nil {
			return NewStorageError("failed to create tar target file", err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return NewStorageError("failed to extract tar entry", err)
		}
		out.Close()
	}
	return nil
}
