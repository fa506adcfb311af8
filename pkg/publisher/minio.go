package publisher

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinioOptions configures the MinIO client.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	// Transport overrides the client's HTTP transport.
	Transport http.RoundTripper
}

// MinioStore implements ObjectStore on top of minio-go.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinioStore creates a MinIO-backed store. No network I/O happens here.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.Secure,
		Region:    opts.Region,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create storage client for %s", opts.Endpoint)
	}
	return &MinioStore{client: client, region: opts.Region}, nil
}

func (s *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := s.client.BucketExists(ctx, bucket)
	return ok, explainStorage(err)
}

func (s *MinioStore) MakeBucket(ctx context.Context, bucket string) error {
	return explainStorage(s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}))
}

func (s *MinioStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return explainStorage(err)
}

func (s *MinioStore) FPutObject(ctx context.Context, bucket, key, path, contentType string) (int64, error) {
	info, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, explainStorage(err)
	}
	return info.Size, nil
}

// explainStorage adds a protocol hint to errors caused by a TLS client
// talking to a plaintext port or the other way round.
func explainStorage(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "wrong version number"),
		strings.Contains(msg, "server gave http response to https client"):
		return errors.Wrap(err, "endpoint speaks plain http; disable secure")
	case strings.Contains(msg, "malformed http response"):
		return errors.Wrap(err, "endpoint expects TLS; enable secure")
	}
	return err
}
