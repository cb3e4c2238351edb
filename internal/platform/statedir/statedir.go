// Package statedir owns a service's exclusive state directory. Opening a
// directory takes an advisory lock on <dir>/LOCK, so two processes can never
// share one.
package statedir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrLocked   = errors.New("state directory is locked by another process")
	ErrNotFound = errors.New("record not found")
)

type Dir struct {
	path string
	lock *os.File

	mu sync.Mutex
}

// Open creates path if needed and locks it for the lifetime of the Dir.
func Open(path string) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state dir path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(abs, "LOCK"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", abs, ErrLocked)
		}
		return nil, fmt.Errorf("lock state dir: %w", err)
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Dir{path: abs, lock: f}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// Sub returns (and creates) a subdirectory for blobs or work trees.
func (d *Dir) Sub(name string) (string, error) {
	p := filepath.Join(d.path, filepath.Clean("/"+name))
	if err := os.MkdirAll(p, 0o750); err != nil {
		return "", err
	}
	return p, nil
}

func (d *Dir) Close() error {
	if d.lock == nil {
		return nil
	}
	_ = unix.Flock(int(d.lock.Fd()), unix.LOCK_UN)
	err := d.lock.Close()
	d.lock = nil
	return err
}

// Put writes v as <collection>/<key>.json atomically.
func (d *Dir) Put(collection, key string, v any) error {
	p, err := d.recordPath(collection, key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return writeFileAtomic(p, append(data, '\n'), 0o640)
}

func (d *Dir) Get(collection, key string, v any) error {
	p, err := d.recordPath(collection, key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	data, err := os.ReadFile(p)
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (d *Dir) Delete(collection, key string) error {
	p, err := d.recordPath(collection, key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Keys lists record keys in a collection, sorted.
func (d *Dir) Keys(collection string) ([]string, error) {
	dir := filepath.Join(d.path, filepath.Clean("/"+collection))
	d.mu.Lock()
	entries, err := os.ReadDir(dir)
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *Dir) recordPath(collection, key string) (string, error) {
	if collection == "" || key == "" {
		return "", errors.New("collection and key are required")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid record key %q", key)
	}
	return filepath.Join(d.path, filepath.Clean("/"+collection), key+".json"), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return nil
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}
