// Package storage mirrors upscaled artifacts into a MinIO/S3 bucket.
package storage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const DefaultRegion = "us-east-1"

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	// Region is sent with every request. Setting it lets presigning work
	// without a bucket-location round trip.
	Region string
	UseSSL bool
}

// Artifact is one local file to upload.
type Artifact struct {
	Key         string
	FilePath    string
	ContentType string
	// DownloadName becomes the Content-Disposition filename.
	DownloadName string
	JobID        string
}

type Client struct {
	minio  *minio.Client
	bucket string
	region string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = DefaultRegion
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{minio: mc, bucket: cfg.Bucket, region: region}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket when missing. Losing a creation race to
// another replica counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// PutArtifact streams the file into the bucket without loading it into
// memory.
func (c *Client) PutArtifact(ctx context.Context, a Artifact) error {
	opts := minio.PutObjectOptions{ContentType: a.ContentType}
	if a.DownloadName != "" {
		opts.ContentDisposition = contentDisposition(a.DownloadName)
	}
	if a.JobID != "" {
		opts.UserMetadata = map[string]string{"job-id": a.JobID}
	}

	if _, err := c.minio.FPutObject(ctx, c.bucket, a.Key, a.FilePath, opts); err != nil {
		return fmt.Errorf("put object %s: %w", a.Key, err)
	}
	return nil
}

func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", objectKey, err)
	}
	return u.String(), nil
}

func contentDisposition(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}
