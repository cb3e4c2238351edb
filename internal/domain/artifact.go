package domain

import (
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

type CollectableKind string

const (
	CollectablePackage  CollectableKind = "package"
	CollectableLog      CollectableKind = "log"
	CollectableManifest CollectableKind = "manifest"
	CollectableUnknown  CollectableKind = "unknown"
)

// CollectableKindFor classifies a build output file by its suffix.
func CollectableKindFor(name string) CollectableKind {
	switch {
	case strings.HasSuffix(name, ".log.gz"):
		return CollectableLog
	case strings.HasSuffix(name, ".bin"), strings.HasSuffix(name, ".jsonc"):
		return CollectableManifest
	case strings.HasSuffix(name, ".stone"), strings.HasSuffix(name, ".tar.gz"):
		return CollectablePackage
	default:
		return CollectableUnknown
	}
}

// Collectable is one file a build produced.
type Collectable struct {
	Kind   CollectableKind `json:"kind"`
	Name   string          `json:"name"`
	Digest digest.Digest   `json:"digest"`
	Size   int64           `json:"size"`
}

// ArtifactRef is the content-addressed output of a successful build.
type ArtifactRef struct {
	Digest       digest.Digest `json:"digest"`
	Size         int64         `json:"size"`
	URI          string        `json:"uri"`
	Collectables []Collectable `json:"collectables,omitempty"`
}

// PublishedArtifact is the index's durable record. It is never mutated; a
// newer release of the same name supersedes it in latest listings.
type PublishedArtifact struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Release       int64         `json:"release"`
	ContentDigest digest.Digest `json:"content_digest"`
	Size          int64         `json:"size"`
	URI           string        `json:"uri"`
	RecipeDigest  digest.Digest `json:"recipe_digest,omitempty"`

	// JobID is the originating job, or import:<uuid> for raw imports.
	JobID        string        `json:"job_id"`
	Collectables []Collectable `json:"collectables,omitempty"`
	PublishedAt  time.Time     `json:"published_at"`
}

// Remote is a package repository a build may resolve dependencies from.
type Remote struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	IndexURI string `json:"index_uri" yaml:"index_uri" mapstructure:"index_uri"`
	Priority int    `json:"priority" yaml:"priority" mapstructure:"priority"`
}

// PublishRequest asks the index to record a build output.
type PublishRequest struct {
	JobID         string        `json:"job_id"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Release       int64         `json:"release"`
	ContentDigest digest.Digest `json:"content_digest"`
	Size          int64         `json:"size"`
	URI           string        `json:"uri"`
	RecipeDigest  digest.Digest `json:"recipe_digest,omitempty"`
	Collectables  []Collectable `json:"collectables,omitempty"`
}

// Artifact renders the record the index stores for r.
func (r PublishRequest) Artifact() PublishedArtifact {
	return PublishedArtifact{
		Name:          r.Name,
		Version:       r.Version,
		Release:       r.Release,
		ContentDigest: r.ContentDigest,
		Size:          r.Size,
		URI:           r.URI,
		RecipeDigest:  r.RecipeDigest,
		JobID:         r.JobID,
		Collectables:  r.Collectables,
	}
}

// PublishAck is what the coordinator records once the index holds a job's artifact.
type PublishAck struct {
	ArtifactID    string        `json:"artifact_id"`
	ContentDigest digest.Digest `json:"content_digest"`
	PublishedAt   time.Time     `json:"published_at"`
}

// ImportPrefix marks index records that came from a raw import, not a build.
const ImportPrefix = "import:"

// ImportRequest submits an already built artifact, bypassing the builders.
type ImportRequest struct {
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Release int64         `json:"release"`
	URI     string        `json:"uri"`
	Digest  digest.Digest `json:"digest"`
	Size    int64         `json:"size,omitempty"`
}
