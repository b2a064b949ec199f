package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"engagement-analytics/internal/models"
)

// S3Archiver exports pruned activity rows to an S3 bucket as JSON lines,
// one object per truncation pass.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an archiver against the configured region and bucket.
func NewS3(ctx context.Context, region, bucket, prefix string) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Archive writes the events as one JSON-lines object keyed by the retention
// cutoff and returns the object location.
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, events []models.ActivityEvent) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("encode archived event: %w", err)
		}
	}

	key := fmt.Sprintf("%s/%s.jsonl", a.prefix, cutoff.UTC().Format("2006-01-02T15-04-05Z"))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
