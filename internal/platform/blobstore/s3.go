package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps blob bytes in S3 and the metadata in object user metadata,
// under <prefix><id>.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// Path-style addressing keeps LocalStack and MinIO endpoints working.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	}), nil
}

func NewS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(id string) *string {
	return aws.String(s.prefix + id)
}

func (s *S3Store) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           s.key(meta.ID),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata:      toObjectMetadata(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *S3Store) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
	})
	if err != nil {
		return nil, nil, translate(id, err)
	}
	meta := fromObjectMetadata(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	return out.Body, &meta, nil
}

func (s *S3Store) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
	})
	if err != nil {
		return nil, translate(id, err)
	}
	meta := fromObjectMetadata(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	return &meta, nil
}

// Delete checks existence first because S3 deletes of missing keys succeed.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}

func translate(id string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrBlobNotFound
	}
	return fmt.Errorf("s3 object %s: %w", id, err)
}

func toObjectMetadata(m BlobMetadata) map[string]string {
	return map[string]string{
		"file-name":  m.FileName,
		"patient-id": m.PatientID,
		"sha256":     m.Hash,
		"created-by": m.CreatedBy,
		"created-at": m.CreatedAt.Format(time.RFC3339Nano),
		"size":       strconv.FormatInt(m.Size, 10),
	}
}

func fromObjectMetadata(id string, md map[string]string, contentType string, length int64) BlobMetadata {
	meta := BlobMetadata{
		ID:          id,
		FileName:    md["file-name"],
		ContentType: contentType,
		Size:        length,
		PatientID:   md["patient-id"],
		Hash:        md["sha256"],
		CreatedBy:   md["created-by"],
	}
	if t, err := time.Parse(time.RFC3339Nano, md["created-at"]); err == nil {
		meta.CreatedAt = t
	}
	if meta.Size == 0 {
		meta.Size, _ = strconv.ParseInt(md["size"], 10, 64)
	}
	return meta
}
