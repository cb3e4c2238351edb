package domain

import (
	_ "crypto/sha256"
	"encoding/json"
	"strconv"

	"github.com/opencontainers/go-digest"
)

// Stage names, in execution order.
const (
	StageSetup   = "setup"
	StageBuild   = "build"
	StageInstall = "install"
)

var Stages = []string{StageSetup, StageBuild, StageInstall}

type Upstream struct {
	URI    string `json:"uri" yaml:"uri"`
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// Recipe describes one buildable unit. It is immutable once a job references
// it: any change needs a new Release.
type Recipe struct {
	Name        string     `json:"name" yaml:"name"`
	Version     string     `json:"version" yaml:"version"`
	Release     int64      `json:"release" yaml:"release"`
	Homepage    string     `json:"homepage,omitempty" yaml:"homepage"`
	Summary     string     `json:"summary,omitempty" yaml:"summary"`
	Description string     `json:"description,omitempty" yaml:"description"`
	License     []string   `json:"license,omitempty" yaml:"license"`
	Upstreams   []Upstream `json:"upstreams" yaml:"upstreams"`
	BuildDeps   []string   `json:"builddeps,omitempty" yaml:"builddeps"`
	Setup       string     `json:"setup,omitempty" yaml:"setup"`
	Build       string     `json:"build,omitempty" yaml:"build"`
	Install     string     `json:"install,omitempty" yaml:"install"`
}

// StageScript returns the shell text for a stage name.
func (r Recipe) StageScript(stage string) string {
	switch stage {
	case StageSetup:
		return r.Setup
	case StageBuild:
		return r.Build
	case StageInstall:
		return r.Install
	default:
		return ""
	}
}

// Digest identifies the recipe content.
func (r Recipe) Digest() digest.Digest {
	blob, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return digest.FromBytes(blob)
}

// Identifier renders name-version-release.
func (r Recipe) Identifier() string {
	return r.Name + "-" + r.Version + "-" + strconv.FormatInt(r.Release, 10)
}
