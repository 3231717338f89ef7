package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/wehubfusion/Daedalus/pkg/idempotent"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// S3 polls a bucket prefix and emits every object not yet admitted by the
// idempotent repository. A dead-lettered key stays admitted for the whole
// window; only a key interrupted by stopping the source is released so the
// next run picks it up.
type S3 struct {
	client   storage.S3API
	bucket   string
	prefix   string
	repo     idempotent.Repository
	interval time.Duration
	logger   *zap.Logger
}

// NewS3 creates an S3 source.
func NewS3(client storage.S3API, bucket, prefix string, repo idempotent.Repository, interval time.Duration, logger *zap.Logger) *S3 {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		repo:     repo,
		interval: interval,
		logger:   logger.With(zap.String("bucket", bucket), zap.String("prefix", prefix)),
	}
}

// Run polls until ctx is done.
func (s *S3) Run(ctx context.Context, emit EmitFunc) error {
	for {
		if err := s.poll(ctx, emit); err != nil && ctx.Err() == nil {
			s.logger.Warn("S3 poll failed", zap.Error(err))
		}
		if !sleep(ctx, s.interval) {
			return nil
		}
	}
}

func (s *S3) poll(ctx context.Context, emit EmitFunc) error {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			if ctx.Err() != nil {
				return nil
			}
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			s.consume(ctx, emit, key, aws.ToInt64(obj.Size))
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

func (s *S3) consume(ctx context.Context, emit EmitFunc, key string, size int64) {
	added, err := s.repo.Add(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotent repository unavailable", zap.String("key", key), zap.Error(err))
		return
	}
	if !added {
		return
	}

	name := key[strings.LastIndex(key, "/")+1:]
	item := Item{
		Key:  key,
		Name: name,
		Headers: map[string]string{
			HeaderFileName: name,
			HeaderSource:   "S3",
			HeaderSize:     strconv.FormatInt(size, 10),
		},
		Load: func(ctx context.Context) ([]byte, error) {
			return s.get(ctx, key)
		},
	}
	err = emit(ctx, item)
	if err == nil {
		return
	}
	if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		// already dead-lettered downstream
		s.logger.Warn("S3 object failed processing", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Debug("S3 object interrupted by stop, releasing key", zap.String("key", key))
	if rmErr := s.repo.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
		s.logger.Error("Failed to release key", zap.String("key", key), zap.Error(rmErr))
	}
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
