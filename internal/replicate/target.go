// Package replicate copies completed backup sets to secondary regions.
// Each region is one target: a local path, an S3 bucket, an Azure blob
// container, or a GCS bucket.
package replicate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
)

// Target is one replication destination
type Target interface {
	// Name is the region name from configuration
	Name() string
	// Upload copies the local file to key within the target
	Upload(ctx context.Context, localPath, key string) error
	// Delete removes every object under keyPrefix
	Delete(ctx context.Context, keyPrefix string) error
	// Health verifies the target is reachable and writable enough to list
	Health(ctx context.Context) error
}

// NewTarget builds the target for one region entry
func NewTarget(region config.Region) (Target, error) {
	switch region.Type {
	case "local":
		return newLocalTarget(region)
	case "s3":
		return newS3Target(region)
	case "azure":
		return newAzureTarget(region)
	case "gcs":
		return newGCSTarget(region)
	default:
		return nil, backup.NewConfigurationError(
			fmt.Sprintf("unknown region type %q for region %s", region.Type, region.Name), nil)
	}
}

// localTarget replicates into another mounted path, typically a second
// disk or an NFS mount
type localTarget struct {
	name   string
	root   string
	prefix string
}

func newLocalTarget(region config.Region) (*localTarget, error) {
	if region.Path == "" {
		return nil, backup.NewConfigurationError("local region requires a path", nil)
	}
	return &localTarget{name: region.Name, root: region.Path, prefix: region.Prefix}, nil
}

func (t *localTarget) Name() string { return t.name }

func (t *localTarget) Upload(ctx context.Context, localPath, key string) error {
	select {
	case <-ctx.Done():
		return backup.NewTimeoutError("replication cancelled", ctx.Err())
	default:
	}

	dst := filepath.Join(t.root, t.prefix, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return backup.NewReplicationError("failed to create replica directory", err)
	}

	in, err := os.Open(localPath)
	if err != nil {
		return backup.NewReplicationError("failed to open artifact for replication", err)
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return backup.NewReplicationError("failed to create replica file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return backup.NewReplicationError("failed to copy artifact to replica", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return backup.NewReplicationError("failed to finish replica file", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return backup.NewReplicationError("failed to publish replica file", err)
	}
	return nil
}

func (t *localTarget) Delete(ctx context.Context, keyPrefix string) error {
	dir := filepath.Join(t.root, t.prefix, filepath.FromSlash(keyPrefix))
	if !strings.HasPrefix(filepath.Clean(dir), filepath.Clean(t.root)) {
		return backup.NewReplicationError("delete prefix escapes replica root", nil)
	}
	if err := os.RemoveAll(dir); err != nil {
		return backup.NewReplicationError("failed to delete replica prefix", err)
	}
	return nil
}

func (t *localTarget) Health(ctx context.Context) error {
	info, err := os.Stat(t.root)
	if err != nil {
		return backup.NewReplicationError("replica path not accessible", err)
	}
	if !info.IsDir() {
		return backup.NewReplicationError("replica path is not a directory", nil)
	}
	return nil
}
