package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	rserrors "github.com/arkilian/recordstore/internal/errors"
)

// S3Config selects the bucket backups go to.
type S3Config struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Region string `yaml:"region" json:"region"`
	// Endpoint overrides the AWS endpoint, for MinIO or LocalStack
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// UsePathStyle enables path-style addressing, required by MinIO
	UsePathStyle bool `yaml:"use_path_style" json:"use_path_style"`
}

func DefaultS3Config() S3Config {
	return S3Config{Region: "us-east-1"}
}

// s3API is the part of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Storage implements ObjectStorage on an S3 bucket. Transient failures are
// retried with exponential backoff; missing objects are not.
type S3Storage struct {
	api    s3API
	bucket string
	retry  backoff
}

// NewS3Storage creates a client for cfg.Bucket from the default AWS
// credential chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, rserrors.NewStorageError(rserrors.CodeIO, "s3 storage needs a bucket", nil)
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, rserrors.NewStorageError(rserrors.CodeIO, "failed to load AWS config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, cfg.Bucket), nil
}

// NewS3StorageWithClient wraps a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string) *S3Storage {
	return newS3Storage(client, bucket)
}

func newS3Storage(api s3API, bucket string) *S3Storage {
	return &S3Storage{
		api:    api,
		bucket: bucket,
		retry:  backoff{attempts: 4, base: 100 * time.Millisecond},
	}
}

func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return rserrors.NewStorageError(CodeUploadFailed, "failed to open "+localPath, err)
	}
	defer file.Close()

	err = s.retry.do(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return rserrors.NewStorageError(CodeUploadFailed, "failed to upload "+objectPath, err)
	}
	return nil
}

// Download writes the object to a temporary file next to localPath and
// renames it into place once the body has been read completely.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return rserrors.NewStorageError(CodeDownloadFailed, "failed to create directory for "+localPath, err)
	}
	tmp := localPath + tmpSuffix

	err := s.retry.do(ctx, func() error {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		return writeFileFrom(tmp, out.Body)
	})
	if err != nil {
		os.Remove(tmp)
		if isMissing(err) {
			return objectNotFound(objectPath)
		}
		return rserrors.NewStorageError(CodeDownloadFailed, "failed to download "+objectPath, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return rserrors.NewStorageError(CodeDownloadFailed, "failed to rename "+tmp, err)
	}
	return nil
}

func writeFileFrom(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry.do(ctx, func() error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return rserrors.NewStorageError(CodeDeleteFailed, "failed to delete "+objectPath, err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	err := s.retry.do(ctx, func() error {
		_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case isMissing(err):
		return false, nil
	default:
		return false, rserrors.IO("failed to stat "+objectPath, err)
	}
}

func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	pages := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retry.do(ctx, func() error {
			var err error
			page, err = pages.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, rserrors.NewStorageError(CodeListFailed, "failed to list "+prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}
	return objects, nil
}

// isMissing reports whether err says the object does not exist. GetObject
// returns NoSuchKey, HeadObject a bare NotFound.
func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// backoff retries an operation with exponentially growing sleeps.
type backoff struct {
	attempts int
	base     time.Duration
}

func (b backoff) do(ctx context.Context, op func() error) error {
	delay := b.base
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(); err == nil || isMissing(err) || attempt >= b.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
