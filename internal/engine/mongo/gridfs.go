package mongo

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"multistore-backup/internal/backup"
)

// GridFSManifest lists every exported bucket file
type GridFSManifest struct {
	Bucket     string            `json:"bucket"`
	ExportedAt time.Time         `json:"exported_at"`
	Files      []GridFSFileEntry `json:"files"`
	TotalBytes int64             `json:"total_bytes"`
}

// GridFSFileEntry is one bucket file in the manifest
type GridFSFileEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Length     int64     `json:"length"`
	UploadDate time.Time `json:"upload_date"`
	Checksum   string    `json:"checksum"`
}

// ExportGridFS streams every file of the configured bucket into a staging
// directory, writes a manifest, and packs the result into one artifact.
// Files are stored under their hex object id so duplicate names collide
// nowhere.
func (e *Engine) ExportGridFS(ctx context.Context, bctx *backup.Context) (*backup.Artifact, error) {
	bucketName := e.cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "fs"
	}
	db := e.client.Database(e.cfg.Database)
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, backup.NewConfigurationError("failed to open GridFS bucket", err)
	}

	stageDir, err := os.MkdirTemp(filepath.Join(e.root, "mongodb", "gridfs"), bctx.ID+"-gridfs-")
	if err != nil {
		return nil, backup.NewStorageError("failed to create GridFS staging directory", err)
	}
	defer os.RemoveAll(stageDir)

	cursor, err := bucket.Find(bson.D{})
	if err != nil {
		return nil, backup.NewConnectivityError("failed to list GridFS files", err)
	}
	defer cursor.Close(ctx)

	manifest := GridFSManifest{Bucket: bucketName, ExportedAt: time.Now().UTC()}
	for cursor.Next(ctx) {
		var file struct {
			ID         primitive.ObjectID `bson:"_id"`
			Name       string             `bson:"filename"`
			Length     int64              `bson:"length"`
			UploadDate time.Time          `bson:"uploadDate"`
		}
		if err := cursor.Decode(&file); err != nil {
			return nil, backup.NewIntegrityError("failed to decode GridFS file document", err)
		}

		dst := filepath.Join(stageDir, file.ID.Hex())
		if err := e.downloadGridFSFile(bucket, file.ID, dst); err != nil {
			return nil, err
		}
		checksum, err := backup.ChecksumFile(dst)
		if err != nil {
			return nil, err
		}

		manifest.Files = append(manifest.Files, GridFSFileEntry{
			ID:         file.ID.Hex(),
			Name:       file.Name,
			Length:     file.Length,
			UploadDate: file.UploadDate,
			Checksum:   checksum,
		})
		manifest.TotalBytes += file.Length
	}
	if err := cursor.Err(); err != nil {
		return nil, backup.NewConnectivityError("GridFS listing cursor failed", err)
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, backup.NewStorageError("failed to marshal GridFS manifest", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, "manifest.json"), manifestData, 0o644); err != nil {
		return nil, backup.NewStorageError("failed to write GridFS manifest", err)
	}

	archive := filepath.Join(e.root, "mongodb", "gridfs", bctx.ID+".gridfs.tar")
	if err := backup.TarDirectory(stageDir, archive); err != nil {
		return nil, err
	}

	result, err := e.chain.Apply(archive)
	if err != nil {
		return nil, err
	}

	return &backup.Artifact{
		Type:              backup.BackupTypeDocumentGridFS,
		Path:              result.Path,
		Bytes:             result.Bytes,
		UncompressedBytes: result.UncompressedBytes,
		Checksum:          result.Checksum,
		Compressed:        result.Compressed,
		Encrypted:         result.Encrypted,
		CreatedAt:         time.Now().UTC(),
		Document: &backup.DocumentMeta{
			Collections: []string{bucketName + ".files", bucketName + ".chunks"},
			EntryCount:  int64(len(manifest.Files)),
		},
	}, nil
}

func (e *Engine) downloadGridFSFile(bucket *gridfs.Bucket, id primitive.ObjectID, dst string) error {
	stream, err := bucket.OpenDownloadStream(id)
	if err != nil {
		return backup.NewConnectivityError("failed to open GridFS download stream", err)
	}
	defer stream.Close()

	out, err := os.Create(dst)
	if err != nil {
		return backup.NewStorageError("failed to create GridFS export file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, stream); err != nil {
		return backup.NewStorageError("failed to export GridFS file", err)
	}
	return nil
}
