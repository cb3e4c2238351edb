// Package config loads service configuration files (viper, YAML, env
// overrides with the PACKFARM_ prefix) and bootstrap seed files (strict YAML).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/packfarm/packfarm/internal/platform/backoff"
)

const EnvPrefix = "PACKFARM"

// Load reads the YAML file at path into dst. Keys in defaults apply when the
// file leaves them unset, and PACKFARM_<KEY> env vars (dots become
// underscores) override both. An empty path loads defaults and env only.
func Load(path string, defaults map[string]any, dst any) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(dst); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadSeed decodes a bootstrap seed file. Unknown fields are rejected so a
// typo never silently drops seed data. A missing path is not an error.
func LoadSeed(path string, dst any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode seed %s: %w", path, err)
	}
	return nil
}

// Service holds the settings every packfarm service shares. Service configs
// embed it with `mapstructure:",squash"`.
type Service struct {
	Name            string         `mapstructure:"name"`
	ListenAddr      string         `mapstructure:"listen_addr"`
	TopologyFile    string         `mapstructure:"topology_file"`
	SeedFile        string         `mapstructure:"seed_file"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration  `mapstructure:"request_timeout"`
	Readiness       backoff.Policy `mapstructure:"readiness"`
}

// ServiceDefaults returns the default keys for Service.
func ServiceDefaults(name string, listenAddr string) map[string]any {
	p := backoff.DefaultPolicy()
	return map[string]any{
		"name":                 name,
		"listen_addr":          listenAddr,
		"topology_file":        "",
		"seed_file":            "",
		"shutdown_timeout":     10 * time.Second,
		"request_timeout":      15 * time.Second,
		"readiness.initial":    p.Initial,
		"readiness.max":        p.Max,
		"readiness.multiplier": p.Multiplier,
		"readiness.jitter":     p.Jitter,
	}
}

// Merge copies extra into base and returns base.
func Merge(base map[string]any, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func (s Service) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(s.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	if s.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if err := s.Readiness.Validate(); err != nil {
		return fmt.Errorf("readiness: %w", err)
	}
	return nil
}
