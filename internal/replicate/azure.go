package replicate

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
)

// azureTarget replicates into an Azure blob container
type azureTarget struct {
	name      string
	service   azblob.ServiceURL
	container string
	prefix    string
}

func newAzureTarget(region config.Region) (*azureTarget, error) {
	if region.AccountName == "" || region.Container == "" {
		return nil, backup.NewConfigurationError("azure region requires account_name and container", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(region.AccountName, region.AccountKey)
	if err != nil {
		return nil, backup.NewReplicationError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", region.AccountName))
	if err != nil {
		return nil, backup.NewReplicationError("failed to parse Azure service URL", err)
	}

	return &azureTarget{
		name:      region.Name,
		service:   azblob.NewServiceURL(*serviceURL, pipeline),
		container: region.Container,
		prefix:    region.Prefix,
	}, nil
}

func (t *azureTarget) Name() string { return t.name }

func (t *azureTarget) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return backup.NewReplicationError("failed to open artifact for replication", err)
	}
	defer f.Close()

	blobURL := t.service.NewContainerURL(t.container).NewBlockBlobURL(t.key(key))
	_, err = azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
	})
	if err != nil {
		return backup.NewReplicationError("failed to upload artifact to Azure", err)
	}
	return nil
}

func (t *azureTarget) Delete(ctx context.Context, keyPrefix string) error {
	containerURL := t.service.NewContainerURL(t.container)

	var names []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		listResponse, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: t.key(keyPrefix),
		})
		if err != nil {
			return backup.NewReplicationError("failed to list replica blobs", err)
		}
		for _, blob := range listResponse.Segment.BlobItems {
			names = append(names, blob.Name)
		}
		marker = listResponse.NextMarker
	}

	for _, name := range names {
		blobURL := containerURL.NewBlockBlobURL(name)
		if _, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
			return backup.NewReplicationError(fmt.Sprintf("failed to delete replica blob %s", name), err)
		}
	}
	return nil
}

func (t *azureTarget) Health(ctx context.Context) error {
	containerURL := t.service.NewContainerURL(t.container)
	if _, err := containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return backup.NewReplicationError("Azure container not accessible", err)
	}
	_, err := containerURL.ListBlobsFlatSegment(ctx, azblob.Marker{}, azblob.ListBlobsSegmentOptions{
		Prefix:     t.prefix,
		MaxResults: 1,
	})
	if err != nil {
		return backup.NewReplicationError("cannot list blobs in Azure container", err)
	}
	return nil
}

func (t *azureTarget) key(key string) string {
	return path.Join(t.prefix, key)
}
