package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/infinitree/infinitree/internal/config"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/object"
	"github.com/infinitree/infinitree/internal/objectid"
)

// Backend adapts Client to infinitree's backend.Backend, storing each
// 4 MiB Object as a single S3 key named by its base32 id.
type Backend struct {
	client Client
	bucket string
}

// New builds a Backend from cfg through NewClient. For a non-aws
// cfg.Provider, cfg.Endpoint is used as the base endpoint; the provider
// table in providers.go is not consulted and path-style addressing is not set.
func New(cfg *config.BackendConfig) (*Backend, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

// Read implements backend.Backend.
func (b *Backend) Read(ctx context.Context, id objectid.ID) ([]byte, error) {
	body, _, err := b.client.GetObject(ctx, b.bucket, id.String())
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: object %s", errs.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get object %s: %v", errs.ErrTransport, id, err)
	}
	defer body.Close()

	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read object %s body: %v", errs.ErrTransport, id, err)
	}
	return buf, nil
}

// Write implements backend.Backend. S3 PUT is atomic per key: a GET never
// observes a partial object, only the previous or the new complete value.
func (b *Backend) Write(ctx context.Context, id objectid.ID, buf []byte) error {
	if len(buf) != object.Size {
		return fmt.Errorf("%w: object %s is %d bytes, expected %d", errs.ErrCorrupt, id, len(buf), object.Size)
	}
	if err := b.client.PutObject(ctx, b.bucket, id.String(), bytes.NewReader(buf), nil); err != nil {
		return fmt.Errorf("%w: put object %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}

// List implements backend.Backend.
func (b *Backend) List(ctx context.Context) ([]objectid.ID, error) {
	var ids []objectid.ID
	marker := ""
	for {
		page, err := b.client.ListObjects(ctx, b.bucket, "", ListOptions{Marker: marker, MaxKeys: 1000})
		if err != nil {
			return nil, fmt.Errorf("%w: list bucket %s: %v", errs.ErrTransport, b.bucket, err)
		}
		for _, o := range page {
			id, err := objectid.Parse(o.Key)
			if err != nil {
				continue // not one of our objects
			}
			ids = append(ids, id)
		}
		if len(page) < 1000 {
			break
		}
		marker = page[len(page)-1].Key
	}
	return ids, nil
}

// Delete implements backend.Backend. Idempotent: S3 DeleteObject already
// succeeds against a missing key.
func (b *Backend) Delete(ctx context.Context, id objectid.ID) error {
	if err := b.client.DeleteObject(ctx, b.bucket, id.String()); err != nil {
		return fmt.Errorf("%w: delete object %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}

// CompareAndSwapRoot implements backend.RootBackend on a best-effort basis.
//
// S3's object model has no portable compare-and-swap: conditional writes
// (If-Match/If-None-Match on PUT) are an AWS/S3-Express-only extension, not
// available on most of the S3-compatible providers in providers.go. This
// implementation reads-verifies-then-writes, which leaves a residual race
// window between the verifying GET and the PUT: two callers can both pass
// the check and the second PUT silently wins. A tree using this backend for
// the root object accepts last-writer-wins under concurrent commits to the
// same branch; callers that need strict linearizability should route root
// writes through a single writer or a backend that offers real CAS (the fs
// backend serializes in-process via a mutex instead).
func (b *Backend) CompareAndSwapRoot(ctx context.Context, id objectid.ID, prev []byte, expectExists bool, next []byte) error {
	current, err := b.Read(ctx, id)
	exists := err == nil
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	if exists != expectExists {
		return fmt.Errorf("%w: root %s existence mismatch", errs.ErrConflict, id)
	}
	if exists && !bytesEqual(current, prev) {
		return fmt.Errorf("%w: root %s changed underneath the caller", errs.ErrConflict, id)
	}

	return b.Write(ctx, id, next)
}

func bytesEqual(a, c []byte) bool {
	if len(a) != len(c) {
		return false
	}
	for i := range a {
		if a[i] != c[i] {
			return false
		}
	}
	return true
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var notFound *awss3.NotFound
	return errors.As(err, &notFound)
}
