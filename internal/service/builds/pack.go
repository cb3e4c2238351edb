package builds

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/objectstore"
	"github.com/packfarm/packfarm/internal/sandbox"
)

// Packed entries carry a fixed mtime so identical install trees produce
// identical digests across attempts.
var packEpoch = time.Unix(0, 0).UTC()

// packInstallRoot archives the install root as tar+gzip and stores it by digest.
func (s *Service) packInstallRoot(ctx context.Context, sb *sandbox.Sandbox, rec domain.Recipe) (domain.Collectable, error) {
	tmp, err := os.CreateTemp(s.cfg.LogDir, ".pack-*")
	if err != nil {
		return domain.Collectable{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := writeTarGz(tmp, sb.InstallDir); err != nil {
		return domain.Collectable{}, fmt.Errorf("pack install root: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.tar.gz", rec.Name, rec.Version, strconv.FormatInt(rec.Release, 10))
	d, size, err := s.storeFile(ctx, s.cfg.ArtifactBucket, tmp.Name(), "application/gzip")
	if err != nil {
		return domain.Collectable{}, err
	}
	return domain.Collectable{Kind: domain.CollectablePackage, Name: name, Digest: d, Size: size}, nil
}

func writeTarGz(w io.Writer, root string) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.ModTime = packEpoch
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		hdr.Format = tar.FormatPAX
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// collectOutputs stores the package and manifest files a build left at the
// top of its build directory.
func (s *Service) collectOutputs(ctx context.Context, dir string) ([]domain.Collectable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []domain.Collectable
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		kind := domain.CollectableKindFor(e.Name())
		if kind != domain.CollectablePackage && kind != domain.CollectableManifest {
			continue
		}
		d, size, err := s.storeFile(ctx, s.cfg.ArtifactBucket, filepath.Join(dir, e.Name()), "application/octet-stream")
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", e.Name(), err)
		}
		out = append(out, domain.Collectable{Kind: kind, Name: e.Name(), Digest: d, Size: size})
	}
	return out, nil
}

// storeLog compresses the plain build log and stores it by digest.
func (s *Service) storeLog(ctx context.Context, logPath string, b domain.Build) (domain.Collectable, error) {
	src, err := os.Open(logPath)
	if err != nil {
		return domain.Collectable{}, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.cfg.LogDir, ".log-*")
	if err != nil {
		return domain.Collectable{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw := gzip.NewWriter(tmp)
	if _, err := io.Copy(zw, src); err != nil {
		return domain.Collectable{}, err
	}
	if err := zw.Close(); err != nil {
		return domain.Collectable{}, err
	}
	d, size, err := s.storeFile(ctx, s.cfg.LogBucket, tmp.Name(), "application/gzip")
	if err != nil {
		return domain.Collectable{}, err
	}
	name := fmt.Sprintf("%s-%d.log.gz", b.JobID, b.Attempt)
	return domain.Collectable{Kind: domain.CollectableLog, Name: name, Digest: d, Size: size}, nil
}

// storeFile uploads path under its sha256 digest.
func (s *Service) storeFile(ctx context.Context, bucket, path, contentType string) (digest.Digest, int64, error) {
	d, err := digestFile(path)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	if err := s.blobs.Put(ctx, bucket, objectstore.DigestKey(d), f, info.Size(), contentType); err != nil {
		return "", 0, fmt.Errorf("put %s: %w", d, err)
	}
	return d, info.Size(), nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.SHA256.FromReader(f)
}
