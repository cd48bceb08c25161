package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"stepforge/internal/services"
)

const s3Scheme = "s3://"

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores objects in a bucket under an optional prefix.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 loads the default AWS credential chain and builds a client. A custom
// endpoint switches to path-style addressing for S3-compatible servers.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("%w: storage.s3_bucket is required for the s3 backend", services.ErrConfiguration)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", services.ErrConfiguration, err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads data and returns an s3://bucket/key reference.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = ContentTypeFor(cleaned)
	}
	objectKey := s.objectKey(cleaned)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "storage", "s3 put", objectKey, err)
	}
	return s3Scheme + s.bucket + "/" + objectKey, nil
}

// Get downloads the object named by ref.
func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	objectKey, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: object %s", services.ErrNotFound, objectKey)
		}
		return nil, services.Wrap(services.ErrTransient, "storage", "s3 get", objectKey, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "storage", "s3 read", objectKey, err)
	}
	return data, nil
}

// Delete removes the object named by ref. S3 treats a missing key as a
// successful delete.
func (s *S3) Delete(ctx context.Context, ref string) error {
	objectKey, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return services.Wrap(services.ErrTransient, "storage", "s3 delete", objectKey, err)
	}
	return nil
}

func (s *S3) resolve(ref string) (string, error) {
	if rest, ok := strings.CutPrefix(ref, s3Scheme); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket != s.bucket {
			return "", fmt.Errorf("%w: reference %q is not in bucket %s", services.ErrValidation, ref, s.bucket)
		}
		return cleanKey(key)
	}
	cleaned, err := cleanKey(ref)
	if err != nil {
		return "", err
	}
	return s.objectKey(cleaned), nil
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
