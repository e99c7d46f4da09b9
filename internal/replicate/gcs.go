package replicate

import (
	"context"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
)

// gcsTarget replicates into a Google Cloud Storage bucket
type gcsTarget struct {
	name   string
	client *storage.Client
	bucket string
	prefix string
}

func newGCSTarget(region config.Region) (*gcsTarget, error) {
	if region.Bucket == "" {
		return nil, backup.NewConfigurationError("gcs region requires bucket", nil)
	}

	var opts []option.ClientOption
	if region.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(region.CredentialsPath))
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, backup.NewReplicationError("failed to create GCS client", err)
	}

	return &gcsTarget{
		name:   region.Name,
		client: client,
		bucket: region.Bucket,
		prefix: region.Prefix,
	}, nil
}

func (t *gcsTarget) Name() string { return t.name }

func (t *gcsTarget) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return backup.NewReplicationError("failed to open artifact for replication", err)
	}
	defer f.Close()

	w := t.client.Bucket(t.bucket).Object(t.key(key)).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return backup.NewReplicationError("failed to upload artifact to GCS", err)
	}
	if err := w.Close(); err != nil {
		return backup.NewReplicationError("failed to finish GCS upload", err)
	}
	return nil
}

func (t *gcsTarget) Delete(ctx context.Context, keyPrefix string) error {
	bucket := t.client.Bucket(t.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: t.key(keyPrefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return backup.NewReplicationError("failed to list replica objects", err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil {
			return backup.NewReplicationError("failed to delete replica object "+attrs.Name, err)
		}
	}
	return nil
}

func (t *gcsTarget) Health(ctx context.Context) error {
	if _, err := t.client.Bucket(t.bucket).Attrs(ctx); err != nil {
		return backup.NewReplicationError("GCS bucket not accessible", err)
	}
	return nil
}

func (t *gcsTarget) key(key string) string {
	return path.Join(t.prefix, key)
}
