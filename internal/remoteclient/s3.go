package remoteclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/neondatabase/pageserver-go/internal/errs"
)

// S3Backend implements Backend against an S3-compatible object
// store, the default remote for production deployments.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string // tenants/<tenant_id>/, prepended to every key
}

// S3Config configures an S3Backend.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-empty for S3-compatible stores (MinIO, etc.)
}

// NewS3Backend builds an S3Backend using the default AWS credential
// chain (env vars, shared config, IAM role), following the teacher's
// go.mod choice of aws-sdk-go-v2 over the v1 SDK.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("remoteclient: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3Backend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + key
}

func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fullKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return classifyS3Error(err)
}

func (b *S3Backend) Get(ctx context.Context, key string, rng *ByteRange, ifNoneMatch string) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	}
	if rng != nil {
		input.Range = aws.String(formatRange(*rng))
	}
	if ifNoneMatch != "" {
		input.IfNoneMatch = aws.String(ifNoneMatch)
	}
	out, err := b.client.GetObject(ctx, input)
	if err != nil {
		if isNotModified(err) {
			return nil, errs.ErrUnmodified
		}
		return nil, classifyS3Error(err)
	}
	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Object{Body: out.Body, ETag: etag, Size: size}, nil
}

func (b *S3Backend) Head(ctx context.Context, key string) (Meta, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		return Meta{}, classifyS3Error(err)
	}
	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return Meta{ETag: etag, Size: size}, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	return classifyS3Error(err)
}

func (b *S3Backend) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objs := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objs[i] = types.ObjectIdentifier{Key: aws.String(b.fullKey(k))}
	}
	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
	})
	return classifyS3Error(err)
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			out = append(out, strings.TrimPrefix(*obj.Key, strings.TrimSuffix(b.prefix, "/")+"/"))
		}
	}
	return out, nil
}

func formatRange(rng ByteRange) string {
	if rng.End == nil {
		return fmt.Sprintf("bytes=%d-", rng.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", rng.Start, *rng.End-1)
}

func isNotModified(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "304" || apiErr.ErrorCode() == "NotModified"
	}
	return false
}

// classifyS3Error maps an AWS SDK error into the errs.Kind taxonomy:
// NoSuchKey/NotFound or HTTP 404 → NotFound, other 4xx (including
// auth failures) → BadInput, 5xx → Transient, and errors without an
// HTTP status (timeouts, connection failures) → Transient.
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return errs.Wrap(errs.KindNotFound, "s3: no such key", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey":
			return errs.Wrap(errs.KindNotFound, "s3", err)
		case strings.HasPrefix(apiErr.ErrorCode(), "4"):
			return errs.Wrap(errs.KindBadInput, "s3", err)
		case strings.HasPrefix(apiErr.ErrorCode(), "5"):
			return errs.Wrap(errs.KindTransient, "s3", err)
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == 404:
			return errs.Wrap(errs.KindNotFound, "s3", err)
		case code >= 400 && code < 500:
			return errs.Wrap(errs.KindBadInput, "s3", err)
		}
	}
	return errs.Wrap(errs.KindTransient, "s3: unclassified error", err)
}
