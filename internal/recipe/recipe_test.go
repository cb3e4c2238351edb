package recipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/packfarm/packfarm/internal/domain"
)

func TestParseNano(t *testing.T) {
	f, err := os.Open(filepath.Join("testdata", "nano.yaml"))
	require.NoError(t, err)
	defer f.Close()

	rec, err := Parse(f)
	require.NoError(t, err)
	require.Equal(t, "nano", rec.Name)
	require.Equal(t, "8.2", rec.Version)
	require.EqualValues(t, 30, rec.Release)
	require.Len(t, rec.Upstreams, 1)
	require.Contains(t, rec.BuildDeps, "pkgconfig(zlib)")
	require.Contains(t, rec.Install, "DESTDIR")
}

func TestParseAcceptsJSON(t *testing.T) {
	body := `{"name":"nano","version":"8.2","release":30,"upstreams":[{"uri":"https://example.org/a.tar.xz","sha256":"` + strings.Repeat("AB", 32) + `"}]}`
	rec, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("ab", 32), rec.Upstreams[0].SHA256)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("name: nano\nversion: '1'\nrelease: 1\nmaintainer: x\n"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestValidate(t *testing.T) {
	good := func() domain.Recipe {
		return domain.Recipe{
			Name: "nano", Version: "8.2", Release: 30,
			Upstreams: []domain.Upstream{{URI: "https://example.org/nano.tar.xz", SHA256: strings.Repeat("a", 64)}},
		}
	}
	require.NoError(t, Validate(good()))

	cases := map[string]func(*domain.Recipe){
		"missing name":    func(r *domain.Recipe) { r.Name = "" },
		"missing version": func(r *domain.Recipe) { r.Version = "" },
		"zero release":    func(r *domain.Recipe) { r.Release = 0 },
		"no upstreams":    func(r *domain.Recipe) { r.Upstreams = nil },
		"short checksum":  func(r *domain.Recipe) { r.Upstreams[0].SHA256 = "abc" },
		"bad scheme":      func(r *domain.Recipe) { r.Upstreams[0].URI = "ftp://example.org/x" },
		"duplicate uri": func(r *domain.Recipe) {
			r.Upstreams = append(r.Upstreams, r.Upstreams[0])
		},
		"same file name": func(r *domain.Recipe) {
			r.Upstreams = append(r.Upstreams, domain.Upstream{URI: "https://mirror.example.net/nano.tar.xz", SHA256: strings.Repeat("b", 64)})
		},
	}
	for name, mutate := range cases {
		rec := good()
		mutate(&rec)
		require.ErrorIs(t, Validate(rec), domain.ErrInvalidArgument, name)
	}
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestCacheFetchVerifiesAndReuses(t *testing.T) {
	payload := []byte("nano source tarball")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), Fetcher{Client: srv.Client()})
	require.NoError(t, err)

	up := domain.Upstream{URI: srv.URL + "/dist/nano-8.2.tar.xz", SHA256: sha(payload)}
	ref, err := cache.Fetch(context.Background(), up)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(payload), ref.Digest)
	require.Equal(t, "nano-8.2.tar.xz", ref.Name)
	require.EqualValues(t, len(payload), ref.Size)

	_, err = cache.Fetch(context.Background(), up)
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())

	f, err := cache.Open(ref.Digest)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCacheFetchMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir(), Fetcher{Client: srv.Client()})
	require.NoError(t, err)

	_, err = cache.Fetch(context.Background(), domain.Upstream{URI: srv.URL + "/x.tar", SHA256: sha([]byte("original"))})
	require.ErrorIs(t, err, domain.ErrIntegrity)
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))

	_, err = cache.Open(digest.FromBytes([]byte("tampered")))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetcherRejectsFileByDefault(t *testing.T) {
	_, err := Fetcher{}.Open(context.Background(), "file:///etc/hostname")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = Fetcher{AllowFile: true}.Open(context.Background(), "file://"+filepath.Join(t.TempDir(), "missing.tar"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = Fetcher{}.Open(context.Background(), "ftp://example.org/nano.tar.xz")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestVerify(t *testing.T) {
	require.NoError(t, Verify(strings.NewReader("abc"), digest.FromString("abc")))
	require.ErrorIs(t, Verify(strings.NewReader("abd"), digest.FromString("abc")), domain.ErrIntegrity)
}
