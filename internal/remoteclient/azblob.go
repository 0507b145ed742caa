package remoteclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/neondatabase/pageserver-go/internal/errs"
)

// AzureBackend implements Backend against Azure Blob Storage, the
// alternate remote store selected by config alongside S3Backend.
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// AzureConfig configures an AzureBackend.
type AzureConfig struct {
	AccountURL string // https://<account>.blob.core.windows.net
	Container  string
	Prefix     string
}

// NewAzureBackend builds an AzureBackend authenticated with the given
// shared-key credential, via azblob's NewClientWithSharedKeyCredential.
func NewAzureBackend(cred azblob.SharedKeyCredential, cfg AzureConfig) (*AzureBackend, error) {
	client, err := azblob.NewClientWithSharedKeyCredential(cfg.AccountURL, &cred, nil)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: create azblob client: %w", err)
	}
	return &AzureBackend{client: client, container: cfg.Container, prefix: cfg.Prefix}, nil
}

func (b *AzureBackend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + key
}

func (b *AzureBackend) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return errs.Wrap(errs.KindOther, "azblob: read body", err)
	}
	_, err = b.client.UploadBuffer(ctx, b.container, b.fullKey(key), data, nil)
	return classifyAzureError(err)
}

func (b *AzureBackend) Get(ctx context.Context, key string, rng *ByteRange, ifNoneMatch string) (*Object, error) {
	opts := &azblob.DownloadStreamOptions{}
	if rng != nil {
		count := int64(azblob.CountToEnd)
		if rng.End != nil {
			count = *rng.End - rng.Start
		}
		opts.Range = azblob.HTTPRange{Offset: rng.Start, Count: count}
	}
	if ifNoneMatch != "" {
		etag := azcoreETag(ifNoneMatch)
		opts.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &azblob.ModifiedAccessConditions{IfNoneMatch: &etag},
		}
	}

	resp, err := b.client.DownloadStream(ctx, b.container, b.fullKey(key), opts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet) {
			return nil, errs.ErrUnmodified
		}
		return nil, classifyAzureError(err)
	}

	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	size := int64(0)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &Object{Body: resp.Body, ETag: etag, Size: size}, nil
}

func (b *AzureBackend) Head(ctx context.Context, key string) (Meta, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.fullKey(key))
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return Meta{}, classifyAzureError(err)
	}
	etag := ""
	if props.ETag != nil {
		etag = string(*props.ETag)
	}
	size := int64(0)
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return Meta{ETag: etag, Size: size}, nil
}

func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, b.fullKey(key), nil)
	if err != nil && bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return classifyAzureError(err)
}

func (b *AzureBackend) DeleteObjects(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *AzureBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	fullPrefix := b.fullKey(prefix)
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classifyAzureError(err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			out = append(out, strings.TrimPrefix(*item.Name, strings.TrimSuffix(b.prefix, "/")+"/"))
		}
	}
	return out, nil
}

func azcoreETag(s string) azblob.ETag {
	return azblob.ETag(s)
}

func classifyAzureError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound), bloberror.HasCode(err, bloberror.ContainerNotFound):
		return errs.Wrap(errs.KindNotFound, "azblob", err)
	case bloberror.HasCode(err, bloberror.InvalidHeaderValue), bloberror.HasCode(err, bloberror.InvalidInput):
		return errs.Wrap(errs.KindBadInput, "azblob", err)
	}
	var respErr interface{ StatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.StatusCode()
		switch {
		case code == 404:
			return errs.Wrap(errs.KindNotFound, "azblob", err)
		case code >= 400 && code < 500:
			return errs.Wrap(errs.KindBadInput, "azblob", err)
		case code >= 500:
			return errs.Wrap(errs.KindTransient, "azblob", err)
		}
	}
	return errs.Wrap(errs.KindTransient, "azblob: unclassified error", err)
}
