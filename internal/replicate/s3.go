package replicate

import (
	"context"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
)

// s3Target replicates into an S3 bucket
type s3Target struct {
	name     string
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

func newS3Target(region config.Region) (*s3Target, error) {
	if region.Bucket == "" || region.AWSRegion == "" {
		return nil, backup.NewConfigurationError("s3 region requires bucket and aws_region", nil)
	}

	cfg := &aws.Config{Region: aws.String(region.AWSRegion)}
	if region.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(region.AccessKey, region.SecretKey, "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, backup.NewReplicationError("failed to create AWS session", err)
	}

	return &s3Target{
		name:     region.Name,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   region.Bucket,
		prefix:   region.Prefix,
	}, nil
}

func (t *s3Target) Name() string { return t.name }

func (t *s3Target) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return backup.NewReplicationError("failed to open artifact for replication", err)
	}
	defer f.Close()

	_, err = t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(key)),
		Body:   f,
	})
	if err != nil {
		return backup.NewReplicationError("failed to upload artifact to S3", err)
	}
	return nil
}

func (t *s3Target) Delete(ctx context.Context, keyPrefix string) error {
	listResult, err := t.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(t.key(keyPrefix)),
	})
	if err != nil {
		return backup.NewReplicationError("failed to list replica objects", err)
	}
	if len(listResult.Contents) == 0 {
		return nil
	}

	var objects []*s3.ObjectIdentifier
	for _, obj := range listResult.Contents {
		objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
	}
	_, err = t.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(t.bucket),
		Delete: &s3.Delete{Objects: objects},
	})
	if err != nil {
		return backup.NewReplicationError("failed to delete replica objects from S3", err)
	}
	return nil
}

func (t *s3Target) Health(ctx context.Context) error {
	_, err := t.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(t.bucket),
	})
	if err != nil {
		return backup.NewReplicationError("S3 bucket not accessible", err)
	}
	_, err = t.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(t.bucket),
		Prefix:  aws.String(t.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return backup.NewReplicationError("cannot list objects in S3 bucket", err)
	}
	return nil
}

func (t *s3Target) key(key string) string {
	return path.Join(t.prefix, key)
}
