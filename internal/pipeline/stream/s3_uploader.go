// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package stream

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader pushes finished segment files to an S3-compatible object
// store, the Stream contract's background uploader (spec §4.5).
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader loads AWS configuration from the environment (shared
// config/credentials files, env vars, instance metadata) the same way the
// rest of the ecosystem's S3 clients do.
func NewS3Uploader(ctx context.Context, bucket string, endpoint string) (*S3Uploader, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3Uploader{client: client, bucket: bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, objectKey, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(objectKey),
		Body:   f,
	})
	return err
}
