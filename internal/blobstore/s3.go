package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Prefix marks locators produced by S3.
const S3Prefix = "s3://"

// s3API is the subset of *s3.Client used by S3.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 stores blobs as objects in one bucket.
type S3 struct {
	client s3API
	bucket string
}

// NewS3 returns a store writing to bucket through client.
func NewS3(client s3API, bucket string) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	return &S3{client: client, bucket: bucket}, nil
}

// Put uploads data to key and returns s3://bucket/key.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidLocator)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return S3Prefix + s.bucket + "/" + key, nil
}

// Get downloads the object at locator. A bare key refers to the store's bucket.
func (s *S3) Get(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := s.parse(locator)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *S3) parse(locator string) (bucket, key string, err error) {
	if !strings.HasPrefix(locator, S3Prefix) {
		key = strings.TrimPrefix(locator, "/")
		if key == "" {
			return "", "", fmt.Errorf("%w: empty key", ErrInvalidLocator)
		}
		return s.bucket, key, nil
	}
	rest := strings.TrimPrefix(locator, S3Prefix)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return bucket, key, nil
}
