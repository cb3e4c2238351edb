package recipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
)

// Fetcher opens upstream sources over http(s) or from local files. Upstreams
// it can never open fail with domain.ErrInvalidArgument; everything else is
// worth another try.
type Fetcher struct {
	Client *http.Client
	// AllowFile permits file:// upstreams.
	AllowFile bool
}

func (f Fetcher) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	switch u.Scheme {
	case "file":
		if !f.AllowFile {
			return nil, fmt.Errorf("%w: file upstreams are disabled: %s", domain.ErrInvalidArgument, uri)
		}
		src, err := os.Open(u.Path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		return src, err
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidArgument, u.Scheme)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}
	return resp.Body, nil
}

// Cache stores verified sources under <root>/<algorithm>/<hex>. Content only
// lands in the cache after its digest matched.
type Cache struct {
	root    string
	fetcher Fetcher
}

func NewCache(root string, fetcher Fetcher) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(root, string(digest.SHA256)), 0o750); err != nil {
		return nil, fmt.Errorf("source cache: %w", err)
	}
	return &Cache{root: root, fetcher: fetcher}, nil
}

// IntegrityError is a fetched source whose digest did not match the recipe.
type IntegrityError struct {
	URI      string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.URI, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return domain.ErrIntegrity }

// Fetch makes upstream available in the cache. A cached copy is reused
// without touching the network.
func (c *Cache) Fetch(ctx context.Context, up domain.Upstream) (domain.SourceRef, error) {
	expected := digest.NewDigestFromEncoded(digest.SHA256, up.SHA256)
	if err := expected.Validate(); err != nil {
		return domain.SourceRef{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	ref := domain.SourceRef{URI: up.URI, Digest: expected, Name: sourceName(up.URI)}

	if info, err := os.Stat(c.path(expected)); err == nil {
		ref.Size = info.Size()
		return ref, nil
	}

	body, err := c.fetcher.Open(ctx, up.URI)
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("fetch %s: %w", up.URI, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Join(c.root, string(digest.SHA256)), ".fetch-*")
	if err != nil {
		return domain.SourceRef{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), body)
	if err != nil {
		_ = tmp.Close()
		return domain.SourceRef{}, fmt.Errorf("fetch %s: %w", up.URI, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return domain.SourceRef{}, err
	}
	if err := tmp.Close(); err != nil {
		return domain.SourceRef{}, err
	}
	if actual := digester.Digest(); actual != expected {
		return domain.SourceRef{}, &IntegrityError{URI: up.URI, Expected: expected, Actual: actual}
	}
	if err := os.Rename(tmp.Name(), c.path(expected)); err != nil {
		return domain.SourceRef{}, err
	}
	ref.Size = n
	return ref, nil
}

// Open returns a cached source by digest.
func (c *Cache) Open(d digest.Digest) (*os.File, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	f, err := os.Open(c.path(d))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return f, err
}

func (c *Cache) path(d digest.Digest) string {
	return filepath.Join(c.root, string(d.Algorithm()), d.Encoded())
}

// Verify reads r to the end and checks it against d.
func Verify(r io.Reader, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	v := d.Verifier()
	if _, err := io.Copy(v, r); err != nil {
		return err
	}
	if !v.Verified() {
		return fmt.Errorf("%w: content does not match %s", domain.ErrIntegrity, d)
	}
	return nil
}

func sourceName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "source"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "source"
	}
	return name
}
