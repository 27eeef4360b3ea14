package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrObjectNotFound is returned when the requested key does not exist.
// Callers surface it as a user error.
var ErrObjectNotFound = eris.New("storage: object not found")

// ObjectStore reads objects from a remote bucket store.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	DownloadToFile(ctx context.Context, bucket, key, dest string) error
}

// S3Store implements ObjectStore over AWS S3. Downloads above the
// multipart threshold go through the concurrent s3manager downloader.
type S3Store struct {
	client             s3iface.S3API
	downloader         *s3manager.Downloader
	multipartThreshold int64
}

// S3Options configures the S3 client.
type S3Options struct {
	Region             string
	Endpoint           string
	DisableSSL         bool
	MultipartThreshold int64
}

// NewS3 builds an S3Store from the ambient AWS credential chain.
func NewS3(opts S3Options) (*S3Store, error) {
	awsCfg := &aws.Config{}
	if opts.Region != "" {
		awsCfg.Region = aws.String(opts.Region)
	}
	if opts.Endpoint != "" {
		awsCfg.Endpoint = aws.String(opts.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if opts.DisableSSL {
		awsCfg.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, eris.Wrap(err, "storage: create aws session")
	}

	threshold := opts.MultipartThreshold
	if threshold <= 0 {
		threshold = 30 * 1024 * 1024
	}

	return &S3Store{
		client:             s3.New(sess),
		downloader:         s3manager.NewDownloader(sess),
		multipartThreshold: threshold,
	}, nil
}

// NewS3FromClient wraps an existing client. Used by tests.
func NewS3FromClient(client s3iface.S3API, threshold int64) *S3Store {
	if threshold <= 0 {
		threshold = 30 * 1024 * 1024
	}
	return &S3Store{client: client, multipartThreshold: threshold}
}

// Get reads the whole object into memory.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, eris.Wrapf(ErrObjectNotFound, "%s/%s", bucket, key)
		}
		return nil, eris.Wrapf(err, "storage: get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: read s3://%s/%s", bucket, key)
	}
	return body, nil
}

// DownloadToFile fetches the object to dest. Objects above the multipart
// threshold use the concurrent range downloader.
func (s *S3Store) DownloadToFile(ctx context.Context, bucket, key, dest string) error {
	log := zap.L().With(
		zap.String("component", "storage.s3"),
		zap.String("bucket", bucket),
		zap.String("key", key),
	)

	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return eris.Wrapf(ErrObjectNotFound, "%s/%s", bucket, key)
		}
		return eris.Wrapf(err, "storage: head s3://%s/%s", bucket, key)
	}
	size := aws.Int64Value(head.ContentLength)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrap(err, "storage: create dest dir")
	}

	if s.downloader != nil && size > s.multipartThreshold {
		log.Info("multipart download", zap.Int64("size", size))
		f, err := os.Create(dest)
		if err != nil {
			return eris.Wrapf(err, "storage: create %s", dest)
		}
		defer f.Close() //nolint:errcheck

		_, err = s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return eris.Wrapf(err, "storage: multipart download s3://%s/%s", bucket, key)
	}

	body, err := s.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	return WriteAtomic(dest, body)
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
