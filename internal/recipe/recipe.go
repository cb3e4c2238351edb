// Package recipe parses and validates build recipes and fetches their
// upstream sources into a digest-verified cache.
package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/packfarm/packfarm/internal/domain"
)

const maxManifestBytes = 1 << 20

// Parse decodes a recipe manifest. JSON input is accepted as well since it is
// valid YAML.
func Parse(r io.Reader) (domain.Recipe, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxManifestBytes+1))
	if err != nil {
		return domain.Recipe{}, fmt.Errorf("read recipe: %w", err)
	}
	if len(raw) > maxManifestBytes {
		return domain.Recipe{}, fmt.Errorf("%w: recipe exceeds %d bytes", domain.ErrInvalidArgument, maxManifestBytes)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var rec domain.Recipe
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Recipe{}, fmt.Errorf("%w: empty recipe", domain.ErrInvalidArgument)
		}
		return domain.Recipe{}, fmt.Errorf("%w: decode recipe: %v", domain.ErrInvalidArgument, err)
	}
	Normalize(&rec)
	if err := Validate(rec); err != nil {
		return domain.Recipe{}, err
	}
	return rec, nil
}

// Normalize trims fields and lowercases checksums in place.
func Normalize(rec *domain.Recipe) {
	rec.Name = strings.TrimSpace(rec.Name)
	rec.Version = strings.TrimSpace(rec.Version)
	for i := range rec.Upstreams {
		rec.Upstreams[i].URI = strings.TrimSpace(rec.Upstreams[i].URI)
		rec.Upstreams[i].SHA256 = strings.ToLower(strings.TrimSpace(rec.Upstreams[i].SHA256))
	}
}

func Validate(rec domain.Recipe) error {
	if rec.Name == "" {
		return invalid("name is required")
	}
	if strings.ContainsAny(rec.Name, " /\\") {
		return invalid("name %q must not contain spaces or slashes", rec.Name)
	}
	if rec.Version == "" {
		return invalid("version is required")
	}
	if rec.Release < 1 {
		return invalid("release must be >= 1")
	}
	if len(rec.Upstreams) == 0 {
		return invalid("at least one upstream is required")
	}
	seen := make(map[string]bool, len(rec.Upstreams))
	names := make(map[string]string, len(rec.Upstreams))
	for i, up := range rec.Upstreams {
		u, err := url.Parse(up.URI)
		if err != nil || up.URI == "" {
			return invalid("upstream %d: invalid uri %q", i, up.URI)
		}
		switch u.Scheme {
		case "http", "https", "file":
		default:
			return invalid("upstream %d: unsupported scheme %q", i, u.Scheme)
		}
		if !isHex64(up.SHA256) {
			return invalid("upstream %d: sha256 must be 64 hex characters", i)
		}
		if seen[up.URI] {
			return invalid("upstream %d: duplicate uri %q", i, up.URI)
		}
		seen[up.URI] = true
		// Builders place sources by base name, so two upstreams must not share one.
		name := sourceName(up.URI)
		if other, ok := names[name]; ok {
			return invalid("upstream %d: %q and %q both unpack as %s", i, other, up.URI, name)
		}
		names[name] = up.URI
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
