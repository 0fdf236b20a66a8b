package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/strata-db/strata/pkg/errors"
)

// S3Config represents S3/MinIO connection configuration.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Uploads larger than MultipartThreshold go through the multipart API
	// in MultipartPartSize chunks.
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartPartSize  int64 `yaml:"multipart_part_size"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NewDefaultS3Config returns a configuration with sensible defaults.
func NewDefaultS3Config() S3Config {
	return S3Config{
		Region:             "us-east-1",
		MultipartThreshold: 64 * 1024 * 1024,
		MultipartPartSize:  16 * 1024 * 1024,
		RequestTimeout:     30 * time.Second,
	}
}

// S3 implements Store over an S3-compatible service.
type S3 struct {
	client *s3.Client
	bucket string
	config S3Config
	logger *slog.Logger
}

// NewS3 creates an S3-backed store. Plain HTTP is only permitted when the
// endpoint scheme is explicitly http://.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindValidation, "bucket name cannot be empty")
	}
	if cfg.Endpoint != "" && !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, errors.Newf(errors.KindValidation, "endpoint %q must use http:// or https:// scheme", cfg.Endpoint)
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 * 1024 * 1024
	}
	if cfg.MultipartPartSize <= 0 {
		cfg.MultipartPartSize = 16 * 1024 * 1024
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.KindPermanent, "load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle || cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
		logger: slog.Default().With("component", "s3-store", "bucket", cfg.Bucket),
	}, nil
}

// Put stores an object, switching to multipart above the threshold.
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	if int64(len(data)) > s.config.MultipartThreshold {
		return s.putMultipartChunked(ctx, key, data)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return s.translateError(err, "PutObject", key)
	}
	return nil
}

// Get returns the object's full contents.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "read object body", err)
	}
	return data, nil
}

// Exists reports whether an object is present.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.translateError(err, "HeadObject", key)
	}
	return true, nil
}

// Delete removes an object; missing keys are not an error.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return s.translateError(err, "DeleteObject", key)
	}
	return nil
}

// List returns metadata for all objects under prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]ObjectMetadata, error) {
	var out []ObjectMetadata
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.translateError(err, "ListObjectsV2", prefix)
		}
		for _, obj := range page.Contents {
			meta := ObjectMetadata{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				meta.LastModified = *obj.LastModified
			}
			out = append(out, meta)
		}
	}
	return out, nil
}

// Head returns metadata for one object.
func (s *S3) Head(ctx context.Context, key string) (ObjectMetadata, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectMetadata{}, s.translateError(err, "HeadObject", key)
	}
	meta := ObjectMetadata{
		Key:  key,
		Size: aws.ToInt64(result.ContentLength),
		ETag: aws.ToString(result.ETag),
	}
	if result.LastModified != nil {
		meta.LastModified = *result.LastModified
	}
	return meta, nil
}

// Copy duplicates an object server-side.
func (s *S3) Copy(ctx context.Context, fromKey, toKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(toKey),
		CopySource: aws.String(fmt.Sprintf("%s/%s", s.bucket, fromKey)),
	})
	if err != nil {
		return s.translateError(err, "CopyObject", fromKey)
	}
	return nil
}

// PutMultipart uploads explicitly provided parts through the multipart API.
func (s *S3) PutMultipart(ctx context.Context, key string, parts [][]byte) error {
	if len(parts) == 0 {
		return errors.New(errors.KindValidation, "multipart upload requires at least one part")
	}

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.translateError(err, "CreateMultipartUpload", key)
	}
	uploadID := create.UploadId

	completed := make([]s3types.CompletedPart, 0, len(parts))
	for i, part := range parts {
		partNum := int32(i + 1)
		resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(part),
			ContentLength: aws.Int64(int64(len(part))),
		})
		if err != nil {
			s.abortMultipart(ctx, key, uploadID)
			return s.translateError(err, "UploadPart", key)
		}
		completed = append(completed, s3types.CompletedPart{
			ETag:       resp.ETag,
			PartNumber: aws.Int32(partNum),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.abortMultipart(ctx, key, uploadID)
		return s.translateError(err, "CompleteMultipartUpload", key)
	}
	return nil
}

// putMultipartChunked splits a large buffer into configured part sizes.
func (s *S3) putMultipartChunked(ctx context.Context, key string, data []byte) error {
	partSize := s.config.MultipartPartSize
	parts := make([][]byte, 0, (int64(len(data))+partSize-1)/partSize)
	for off := int64(0); off < int64(len(data)); off += partSize {
		end := off + partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		parts = append(parts, data[off:end])
	}
	s.logger.Debug("multipart upload", "key", key, "parts", len(parts), "bytes", len(data))
	return s.PutMultipart(ctx, key, parts)
}

func (s *S3) abortMultipart(ctx context.Context, key string, uploadID *string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		s.logger.Warn("abort multipart upload failed", "key", key, "error", err)
	}
}

// translateError maps S3 SDK failures onto store error kinds.
func (s *S3) translateError(err error, op, key string) error {
	if isNotFound(err) {
		return errors.Newf(errors.KindNotFound, "object %s not found", key)
	}
	msg := err.Error()
	if strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "InvalidAccessKeyId") || strings.Contains(msg, "SignatureDoesNotMatch") {
		return errors.Wrap(errors.KindPermanent, fmt.Sprintf("%s %s", op, key), err)
	}
	return errors.Wrap(errors.KindTransient, fmt.Sprintf("%s %s", op, key), err)
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if stderrors.As(err, &noSuchKey) || stderrors.As(err, &notFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "404")
}

var _ Store = (*S3)(nil)
