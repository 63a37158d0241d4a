package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Driver stores blobs as objects in an S3 bucket under an optional key
// prefix.
type S3Driver struct {
	storageID int
	mode      Mode
	client    *s3.Client
	bucket    string
	prefix    string
}

// NewS3Driver creates an S3-backed driver using the default AWS credential
// chain for the given region
func NewS3Driver(ctx context.Context, storageID int, mode Mode, bucket, region, prefix string) (*S3Driver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Driver{
		storageID: storageID,
		mode:      mode,
		client:    s3.NewFromConfig(cfg),
		bucket:    bucket,
		prefix:    prefix,
	}, nil
}

func (d *S3Driver) StorageID() int { return d.storageID }
func (d *S3Driver) Mode() Mode     { return d.mode }

func (d *S3Driver) key(itemID string) string {
	if d.prefix == "" {
		return itemID
	}
	return d.prefix + "/" + itemID
}

func (d *S3Driver) Write(ctx context.Context, itemID string, content []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(itemID)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("failed to upload content %s: %w", itemID, err)
	}
	return nil
}

func (d *S3Driver) Read(ctx context.Context, itemID string) ([]byte, error) {
	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(itemID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
		}
		return nil, fmt.Errorf("failed to download content %s: %w", itemID, err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read content body %s: %w", itemID, err)
	}
	return content, nil
}

func (d *S3Driver) Exists(ctx context.Context, itemID string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(itemID)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check content %s: %w", itemID, err)
	}
	return true, nil
}

func (d *S3Driver) Delete(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}

	objects := make([]types.ObjectIdentifier, 0, len(itemIDs))
	for _, id := range itemIDs {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(d.key(id))})
	}

	_, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(d.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete contents: %w", err)
	}
	return nil
}
