// Package signer produces signed, time-bounded URLs for underlying media
// objects through the external storage service.
package signer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config contains storage signer settings.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // optional S3-compatible endpoint
	MaxTTL       time.Duration
	UsePathStyle bool
}

// S3Signer signs media URLs using S3 presigned GET requests.
type S3Signer struct {
	presign *s3.PresignClient
	bucket  string
	maxTTL  time.Duration
}

// New creates an S3-backed signer from the ambient AWS configuration.
func New(ctx context.Context, cfg Config) (*S3Signer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("signer: bucket is required")
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("signer: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Signer{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		maxTTL:  cfg.MaxTTL,
	}, nil
}

// Sign produces a presigned URL for the object backing resourceRef. The
// TTL is clamped to the configured ceiling. The operation is recorded in
// the response content disposition so downloads and views render
// differently; it does not change the signature scope.
func (s *S3Signer) Sign(ctx context.Context, resourceRef, operation string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resourceRef),
	}
	if operation == "download" {
		input.ResponseContentDisposition = aws.String("attachment")
	}

	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("signer: presign %s: %w", resourceRef, err)
	}
	return req.URL, nil
}
