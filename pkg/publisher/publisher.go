// Package publisher writes artifacts to an S3-compatible object store and
// synthesizes their public URLs.
package publisher

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/menta2k/image-splitter/internal/utils"
	"github.com/menta2k/image-splitter/pkg/types"
)

// ObjectStore is the storage capability the Publisher needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
	// FPutObject uploads a local file and returns the number of bytes written.
	FPutObject(ctx context.Context, bucket, key, path, contentType string) (int64, error)
}

// Config locates the bucket objects are written to. Endpoint and Secure are
// only used to build URLs; the store carries its own connection settings.
type Config struct {
	Endpoint string
	Bucket   string
	Secure   bool
	// Timeout bounds each Publish or PublishFile call, bucket check
	// included. Zero leaves only the caller's context.
	Timeout time.Duration
}

// Publisher uploads artifacts. It is safe for concurrent use.
type Publisher struct {
	store  ObjectStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	clock utils.NameClock

	mu          sync.Mutex
	bucketReady bool
}

// New creates a Publisher. A missing store or bucket is a configuration
// error.
func New(store ObjectStore, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("publisher: object store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("publisher: bucket is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("publisher: endpoint is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Config returns the publisher's bucket settings.
func (p *Publisher) Config() Config {
	return p.cfg
}

// URL returns the public URL of key.
func (p *Publisher) URL(key string) string {
	return types.Scheme(p.cfg.Secure) + "://" + p.cfg.Endpoint + "/" + p.cfg.Bucket + "/" + key
}

// Publish uploads data under a name derived from nameHint. An empty
// contentType is derived from the hint's extension.
func (p *Publisher) Publish(ctx context.Context, data []byte, contentType, nameHint string) (*types.PublishResult, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	key, contentType := p.name(nameHint, contentType)
	if err := p.ensureBucket(ctx); err != nil {
		return nil, err
	}

	if err := p.store.PutObject(ctx, p.cfg.Bucket, key, data, contentType); err != nil {
		return nil, types.NewError(types.KindUpload, "put", key, err)
	}
	return p.result(key, contentType, int64(len(data))), nil
}

// PublishFile uploads the file at path. The file is left in place. An empty
// nameHint uses the file name.
func (p *Publisher) PublishFile(ctx context.Context, path, contentType, nameHint string) (*types.PublishResult, error) {
	if nameHint == "" {
		nameHint = filepath.Base(path)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	key, contentType := p.name(nameHint, contentType)
	if err := p.ensureBucket(ctx); err != nil {
		return nil, err
	}

	size, err := p.store.FPutObject(ctx, p.cfg.Bucket, key, path, contentType)
	if err != nil {
		return nil, types.NewError(types.KindUpload, "fput", key, err)
	}
	return p.result(key, contentType, size), nil
}

func (p *Publisher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.Timeout)
}

func (p *Publisher) result(key, contentType string, size int64) *types.PublishResult {
	res := &types.PublishResult{
		ObjectKey: key,
		URL:       p.URL(key),
		ByteSize:  size,
		Format:    strings.TrimPrefix(contentType, "image/"),
	}
	p.logger.Info("uploaded", "bucket", p.cfg.Bucket, "key", key, "bytes", size, "url", res.URL)
	return res
}

// name picks a unique object key for hint. Keys issued by one Publisher never
// share a timestamp.
func (p *Publisher) name(hint, contentType string) (string, string) {
	key := utils.ObjectName(hint, p.clock.Next(p.now()))
	if contentType == "" {
		contentType = utils.ContentTypeForExt(key)
	}
	return key, contentType
}

// ensureBucket checks the bucket once and creates it when missing. A failed
// check is retried by the next upload.
func (p *Publisher) ensureBucket(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bucketReady {
		return nil
	}

	exists, err := p.store.BucketExists(ctx, p.cfg.Bucket)
	if err != nil {
		return types.NewError(types.KindUpload, "bucket-exists", p.cfg.Bucket, err)
	}
	if !exists {
		p.logger.Info("creating bucket", "bucket", p.cfg.Bucket)
		if err := p.store.MakeBucket(ctx, p.cfg.Bucket); err != nil {
			return types.NewError(types.KindUpload, "make-bucket", p.cfg.Bucket, err)
		}
	}
	p.bucketReady = true
	return nil
}
