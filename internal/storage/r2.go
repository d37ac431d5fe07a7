// Package storage ships finished backup directories to Cloudflare R2 and
// prunes old bundles there.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jorgepascosoto/rethink-backup/internal/config"
	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
)

// PartSize is the multipart chunk size used for bundle uploads. Bundles are
// streamed, so their length is not known up front.
const PartSize = 16 * 1024 * 1024

type R2Client struct {
	client *s3.Client
	bucket string
	prefix string
}

type BackupObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

func NewR2Client(ctx context.Context, cfg *config.Config) (*R2Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.R2AccessKeyID,
			cfg.R2SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID))
		o.UsePathStyle = true
	})

	return &R2Client{
		client: client,
		bucket: cfg.R2BucketName,
		prefix: cfg.OffsitePrefix(),
	}, nil
}

// ObjectKey is the full key of a bundle called name.
func (c *R2Client) ObjectKey(name string) string {
	return c.prefix + name
}

// Upload streams body to key in multipart chunks.
func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader) error {
	uploader := manager.NewUploader(c.client, func(u *manager.Uploader) {
		u.PartSize = PartSize
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return apperrors.NewStorageError("upload", c.bucket, key, err)
	}
	return nil
}

func (c *R2Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperrors.NewStorageError("delete", c.bucket, key, err)
	}
	return nil
}

// ListBackups returns the objects under the client's prefix, newest first.
func (c *R2Client) ListBackups(ctx context.Context) ([]BackupObject, error) {
	var backups []BackupObject

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.NewStorageError("list", c.bucket, c.prefix, err)
		}
		for _, obj := range page.Contents {
			backups = append(backups, BackupObject{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	sortNewestFirst(backups)
	return backups, nil
}

func (c *R2Client) Bucket() string {
	return c.bucket
}

func (c *R2Client) Prefix() string {
	return c.prefix
}

func sortNewestFirst(backups []BackupObject) {
	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].LastModified.After(backups[j].LastModified)
	})
}
