package store

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads the full (untruncated) log stream of a terminal job to
// S3-compatible object storage, for retention beyond this store's bounded
// tail (§4.4, maxLogTail). This is a supplemental integration point, not a
// re-implementation of the externally-owned retention system the core
// treats as out of scope.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver configures an Archiver against an S3-compatible endpoint. For
// MinIO, pass useSSL=false and the MinIO endpoint.
func NewArchiver(endpoint, accessKey, secretKey, bucket string, useSSL, skipBucketVerification bool) (*Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}

	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		if !useSSL {
			o.EndpointOptions.DisableHTTPS = true
		}
	})

	if !skipBucketVerification {
		if _, err := client.HeadBucket(context.Background(), &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			if _, createErr := client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(bucket)}); createErr != nil {
				return nil, fmt.Errorf("archive: bucket %q not accessible and could not create: %w (original: %v)", bucket, createErr, err)
			}
		}
	}

	return &Archiver{client: client, bucket: bucket}, nil
}

// ArchiveKey builds the object key for a job's full log stream.
func ArchiveKey(ownerID, jobID string) string {
	return path.Join("owners", ownerID, "jobs", jobID, "full-log.jsonl")
}

// ArchiveLogs uploads the complete log stream captured by a runner for a
// terminal job. Best-effort: callers must not let a failure here affect the
// job's recorded outcome.
func (a *Archiver) ArchiveLogs(ctx context.Context, ownerID, jobID string, fullLogJSONL []byte) error {
	key := ArchiveKey(ownerID, jobID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(fullLogJSONL),
		ContentLength: aws.Int64(int64(len(fullLogJSONL))),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %q: %w", key, err)
	}
	return nil
}
