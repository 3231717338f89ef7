package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// DefaultS3Region is used when no region is configured.
const DefaultS3Region = "us-east-1"

// S3Config configures the S3 client shared by the S3 ingest source and destination.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"` // S3-compatible endpoint such as MinIO
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// S3API is the subset of the S3 client used by this module.
type S3API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// NewS3Client builds an S3 client from cfg and the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*awss3.Client, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultS3Region
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}
	return awss3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Writer writes records to a bucket. The collector location is
// "bucket" or "bucket/key/prefix".
type S3Writer struct {
	client S3API
	logger *zap.Logger
}

// NewS3Writer creates an S3 destination.
func NewS3Writer(client S3API, logger *zap.Logger) *S3Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Writer{client: client, logger: logger}
}

// Write puts data at location/name.
func (s *S3Writer) Write(ctx context.Context, location, name string, data []byte) (string, error) {
	bucket, prefix, _ := strings.Cut(strings.Trim(strings.TrimPrefix(location, "s3://"), "/"), "/")
	if bucket == "" {
		return "", fmt.Errorf("bucket is required in location %q", location)
	}
	key := name
	if prefix != "" {
		key = prefix + "/" + name
	}

	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}

	s.logger.Debug("Uploaded object", zap.String("bucket", bucket), zap.String("key", key), zap.Int("size_bytes", len(data)))
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}
