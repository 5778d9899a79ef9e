package resolve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/richardartoul/fetchcache/pkg/rangefetch"
)

// S3Config configures an S3Presigner.
type S3Config struct {
	Region string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint     string
	UsePathStyle bool
	// AccessKey and SecretKey, when set, replace the default credential chain.
	AccessKey string
	SecretKey string
	// Expires is how long presigned URLs stay valid.
	// Default: 15m
	Expires time.Duration
}

// S3Presigner resolves bucket/key pairs to presigned GET URLs.
type S3Presigner struct {
	client  *s3.PresignClient
	expires time.Duration
}

// NewS3Presigner loads the AWS configuration and builds a presigner.
func NewS3Presigner(ctx context.Context, cfg S3Config) (*S3Presigner, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3PresignerFromClient(client, cfg.Expires), nil
}

// NewS3PresignerFromClient wraps an existing S3 client.
func NewS3PresignerFromClient(client *s3.Client, expires time.Duration) *S3Presigner {
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return &S3Presigner{
		client:  s3.NewPresignClient(client),
		expires: expires,
	}
}

// Presign returns a GET URL for bucket/key valid for the configured duration.
func (p *S3Presigner) Presign(ctx context.Context, bucket, key string) (string, error) {
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expires))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// Resolver presigns a fresh URL every time the downloader asks.
func (p *S3Presigner) Resolver(bucket, key string) rangefetch.URLResolver {
	return func(ctx context.Context) ([]string, error) {
		url, err := p.Presign(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		return []string{url}, nil
	}
}

// Stat presigns a HEAD request for bucket/key and performs it.
func (p *S3Presigner) Stat(ctx context.Context, client *http.Client, bucket, key string) (ObjectInfo, error) {
	req, err := p.client.PresignHeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expires))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("presign head s3://%s/%s: %w", bucket, key, err)
	}
	return Stat(ctx, client, req.URL)
}
