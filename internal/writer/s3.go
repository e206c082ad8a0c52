package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// countingReader wraps an io.Reader and counts the bytes read.
type countingReader struct {
	reader io.Reader
	count  int64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.reader.Read(p)
	cr.count += int64(n)
	return
}

func (cr *countingReader) BytesRead() int64 {
	return cr.count
}

const S3WriterType = "s3"

// s3API is the part of the S3 client the writer needs.
type s3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Writer uploads artifacts to an S3 bucket or an S3-compatible endpoint.
type S3Writer struct {
	client     s3API
	uploader   *manager.Uploader
	bucketName string
	prefix     string
	endpoint   string
}

func init() {
	RegisterWriterFactory(S3WriterType, NewS3Writer)
}

// NewS3Writer reads bucket and credentials from the s3 config section.
// Without static keys the default AWS credential chain applies.
func NewS3Writer(deps Dependencies) (RemoteWriter, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("s3 writer requires configuration")
	}
	sc := deps.Config.S3
	if sc.Bucket == "" {
		logger.Log.Error("S3 bucket name not provided in config", zap.String("key", "s3.bucket"))
		return nil, fmt.Errorf("S3 bucket name not provided under s3.bucket")
	}

	var loadOptions []func(*awsconfig.LoadOptions) error
	loadOptions = append(loadOptions, awsconfig.WithRegion(sc.Region))
	if sc.AccessKeyID != "" && sc.SecretAccessKey != "" {
		logger.Log.Info("Using static S3 credentials from configuration")
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		logger.Log.Error("Failed to load AWS SDK config for S3Writer", zap.Error(err))
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Log.Info("S3Writer initialized",
		zap.String("bucket", sc.Bucket),
		zap.String("region", awsCfg.Region),
		zap.String("endpoint", sc.Endpoint),
	)
	return newS3Writer(client, sc.Bucket, sc.Prefix, sc.Endpoint), nil
}

func newS3Writer(client s3API, bucket, prefix, endpoint string) *S3Writer {
	return &S3Writer{
		client:     client,
		uploader:   manager.NewUploader(client),
		bucketName: bucket,
		prefix:     prefix,
		endpoint:   endpoint,
	}
}

func (s3w *S3Writer) Type() string {
	return S3WriterType
}

// Authenticated only checks that a bucket is configured; credential
// problems surface as transfer errors.
func (s3w *S3Writer) Authenticated(ctx context.Context) error {
	if s3w.bucketName == "" {
		return fmt.Errorf("%w: s3 bucket is not configured", ErrNotAuthenticated)
	}
	return nil
}

func (s3w *S3Writer) Upload(ctx context.Context, obj Object) (string, error) {
	key := remoteKey(s3w.prefix, obj.Folder, obj.Name)

	_, err := s3w.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s3w.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		logger.Log.Info("S3 already holds this artifact, reusing it", zap.String("bucket", s3w.bucketName), zap.String("key", key))
		return s3w.link(key), nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) && !isAPICode(err, "NotFound", "NoSuchKey") {
		return "", mapS3Error(err)
	}

	f, err := os.Open(obj.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", obj.LocalPath, err)
	}
	defer f.Close()

	logger.Log.Info("Uploading backup to S3", zap.String("bucket", s3w.bucketName), zap.String("key", key))
	body := &countingReader{reader: f}
	if _, err := s3w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s3w.bucketName),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		logger.Log.Error("Failed to upload backup to S3",
			zap.String("bucket", s3w.bucketName),
			zap.String("key", key),
			zap.Error(err),
		)
		return "", mapS3Error(err)
	}

	logger.Log.Info("Successfully uploaded backup to S3",
		zap.String("bucket", s3w.bucketName),
		zap.String("key", key),
		zap.Int64("bytesWritten", body.BytesRead()),
	)
	return s3w.link(key), nil
}

func (s3w *S3Writer) link(key string) string {
	if s3w.endpoint != "" {
		u, err := url.JoinPath(s3w.endpoint, s3w.bucketName, key)
		if err == nil {
			return u
		}
	}
	return fmt.Sprintf("s3://%s/%s", s3w.bucketName, key)
}

func isAPICode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}

func mapS3Error(err error) error {
	switch {
	case isAPICode(err, "QuotaExceeded", "XMinioStorageFull", "EntityTooLarge"):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case isAPICode(err, "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "AccessDenied"):
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	return err
}
