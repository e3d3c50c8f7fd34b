package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type S3Options struct {
	Endpoint   string
	Bucket     string
	Prefix     string
	Region     string
	AccessKey  string
	SecretKey  string
	PathStyle  bool
	MaxPayload int64
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store writes each blob under prefix/<content key>/<name>. It works
// against AWS and S3-compatible servers such as MinIO.
type S3Store struct {
	client     s3API
	bucket     string
	prefix     string
	maxPayload int64
	newKey     func() string
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newS3Store(client, opts), nil
}

func newS3Store(client s3API, opts S3Options) *S3Store {
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &S3Store{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		maxPayload: maxPayload,
		newKey:     uuid.NewString,
	}
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) MaxPayload() int64 { return s.maxPayload }

func (s *S3Store) objectKey(blob Blob) string {
	key := blob.Metadata["sha256"]
	if key == "" {
		key = s.newKey()
	}
	return path.Join(s.prefix, key, path.Base("/"+blob.Name))
}

func (s *S3Store) Upload(ctx context.Context, blob Blob) (Receipt, error) {
	if err := checkSize(blob, s.maxPayload); err != nil {
		return Receipt{}, err
	}
	content, err := blob.Open()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: open %s: %v", ErrTransfer, blob.Name, err)
	}
	defer content.Close()

	start := time.Now()
	key := s.objectKey(blob)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          content,
		ContentLength: aws.Int64(blob.Size),
		ContentType:   aws.String(blob.MimeType),
		Metadata:      blob.Metadata,
	})
	recordTransfer(s.Name(), "upload", start, err)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: put %s: %v", ErrTransfer, key, err)
	}
	return Receipt{RemoteID: key, TransferID: strings.Trim(aws.ToString(out.ETag), `"`)}, nil
}

func (s *S3Store) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(remoteID),
	})
	recordTransfer(s.Name(), "download", start, err)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, remoteID)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrTransfer, remoteID, err)
	}
	return out.Body, nil
}
