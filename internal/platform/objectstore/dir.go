package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirStore keeps objects as plain files under root/<bucket>/<key>.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", errors.New("bucket and key are required")
	}
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.root, bucket, clean), nil
}

func (s *DirStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	dst, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		_ = tmp.Close()
		return fmt.Errorf("write %s: wrote %d bytes, want %d", key, n, size)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *DirStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	p, _ := s.path(bucket, key)
	f, err := os.Open(p)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return f, info, nil
}

func (s *DirStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  "application/octet-stream",
		LastModified: fi.ModTime().UTC(),
	}, nil
}

func (s *DirStore) Delete(ctx context.Context, bucket, key string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
