package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	ErrNotFound = errors.New("object not found")
	// ErrSizeMismatch is a stored blob whose size differs from the one declared for it.
	ErrSizeMismatch = errors.New("object size mismatch")
)

// Store holds packfarm's content-addressed blobs: built packages in the
// artifacts bucket, compressed build logs in the logs bucket. Keys come from
// DigestKey, so a key never changes content once written.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// DigestKey is the key of the blob with digest d, "<algorithm>/<hex>".
func DigestKey(d digest.Digest) string {
	return d.Algorithm().String() + "/" + d.Encoded()
}

// KeyDigest reverses DigestKey.
func KeyDigest(key string) (digest.Digest, error) {
	alg, hex, ok := strings.Cut(key, "/")
	if !ok {
		return "", fmt.Errorf("key %q is not <algorithm>/<hex>", key)
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(alg), hex)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("key %q: %w", key, err)
	}
	return d, nil
}

// Holds checks that bucket has the blob for d. A positive size must also
// match; otherwise the result wraps ErrSizeMismatch.
func Holds(ctx context.Context, s Store, bucket string, d digest.Digest, size int64) error {
	info, err := s.Stat(ctx, bucket, DigestKey(d))
	if err != nil {
		return err
	}
	if size > 0 && info.Size != size {
		return fmt.Errorf("%w: %s is %d bytes, declared %d", ErrSizeMismatch, d, info.Size, size)
	}
	return nil
}
