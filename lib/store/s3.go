package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client we use. Narrowing the surface keeps
// the backend mockable in unit tests.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Backend stores blobs as objects in a single bucket. Locations are of the
// form s3://<bucket>/<key>.
type S3Backend struct {
	api    s3API
	bucket string
	prefix string
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible object stores.
	Endpoint string
	// Prefix is prepended to every object key.
	Prefix string
}

// NewS3Backend builds an S3 backend from the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for S3-compatible services
		}
	})
	return &S3Backend{api: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// newS3BackendWithAPI builds a backend around a fake API for tests.
func newS3BackendWithAPI(api s3API, bucket, prefix string) *S3Backend {
	return &S3Backend{api: api, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) Scheme() string { return "s3" }

// Put spools the stream to a temp file while hashing, then uploads with a
// known content length. PutObject needs the length up front, and the spool
// keeps memory flat regardless of payload size.
func (b *S3Backend) Put(ctx context.Context, id string, r io.Reader) (*PutResult, error) {
	spool, err := os.CreateTemp("", "hangar-s3-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), contextReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("spool blob: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}

	key := path.Join(b.prefix, id)
	_, err = b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nil, b.wrap("put", key, err)
	}

	return &PutResult{
		Location: fmt.Sprintf("s3://%s/%s", b.bucket, key),
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (b *S3Backend) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	bucket, key, err := b.split(location)
	if err != nil {
		return nil, 0, err
	}
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, b.wrap("get", key, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (b *S3Backend) Delete(ctx context.Context, location string) error {
	bucket, key, err := b.split(location)
	if err != nil {
		return err
	}
	// DeleteObject succeeds on missing keys, so probe first to report
	// ErrBlobNotFound distinctly.
	if _, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return b.wrap("head", key, err)
	}
	if _, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return b.wrap("delete", key, err)
	}
	return nil
}

func (b *S3Backend) split(location string) (bucket, key string, err error) {
	scheme, rest, err := SplitLocation(location)
	if err != nil {
		return "", "", err
	}
	if scheme != "s3" {
		return "", "", fmt.Errorf("%w: %q is not an s3 location", ErrUnknownScheme, location)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 location %q", ErrUnknownScheme, location)
	}
	return bucket, key, nil
}

// wrap classifies S3 failures: a missing object is terminal, everything else
// is treated as the backend being unreachable and therefore retryable.
func (b *S3Backend) wrap(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: s3://%s/%s", ErrBlobNotFound, b.bucket, key)
	}
	return fmt.Errorf("%w: %s s3://%s/%s: %v", ErrUnavailable, op, b.bucket, key, err)
}
