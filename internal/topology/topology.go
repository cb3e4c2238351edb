// Package topology describes the packfarm services, their startup
// dependencies and the exclusive resources (key file, state directory) each
// one owns.
package topology

import (
	"container/heap"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/config"
	"github.com/packfarm/packfarm/internal/platform/readiness"
)

const (
	Gateway   = "gateway"
	Vessel    = "vessel"
	Avalanche = "avalanche"
	Summit    = "summit"
)

// Service is one service identity.
type Service struct {
	Name string `yaml:"name"`
	// Address is the base URL on the private network.
	Address string `yaml:"address"`
	// PublicAddress is set for services reachable from outside.
	PublicAddress string   `yaml:"public_address"`
	KeyFile       string   `yaml:"key_file"`
	PublicKeyFile string   `yaml:"public_key_file"`
	StateDir      string   `yaml:"state_dir"`
	DependsOn     []string `yaml:"depends_on"`
}

type Topology struct {
	Services []Service `yaml:"services"`
}

// Default is the stock four-service layout on localhost.
func Default() Topology {
	svc := func(name, port string, deps ...string) Service {
		return Service{
			Name:          name,
			Address:       "http://127.0.0.1:" + port,
			KeyFile:       filepath.Join("keys", name+".pem"),
			PublicKeyFile: filepath.Join("keys", name+".pub.pem"),
			StateDir:      filepath.Join("state", name),
			DependsOn:     deps,
		}
	}
	gw := svc(Gateway, "8080")
	gw.PublicAddress = "http://127.0.0.1:8080"
	av := svc(Avalanche, "8082", Gateway)
	av.PublicAddress = "http://127.0.0.1:8082"
	return Topology{Services: []Service{
		gw,
		svc(Vessel, "8081", Gateway),
		av,
		svc(Summit, "8083", Gateway, Vessel, Avalanche),
	}}
}

// Load reads a topology file; an empty path yields Default. The result is
// validated.
func Load(path string) (Topology, error) {
	if strings.TrimSpace(path) == "" {
		t := Default()
		return t, t.Validate()
	}
	var t Topology
	if err := config.LoadSeed(path, &t); err != nil {
		return Topology{}, err
	}
	if err := t.Validate(); err != nil {
		return Topology{}, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

// CycleError reports one dependency cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Validate checks names, dependencies, acyclicity and that no two services
// share a key file or a state directory.
func (t Topology) Validate() error {
	if len(t.Services) == 0 {
		return errors.New("no services")
	}
	names := make(map[string]bool, len(t.Services))
	keys := map[string]string{}
	dirs := map[string]string{}
	for _, s := range t.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return errors.New("service name is required")
		}
		if names[name] {
			return fmt.Errorf("duplicate service %q", name)
		}
		names[name] = true
		if strings.TrimSpace(s.Address) == "" {
			return fmt.Errorf("service %q: address is required", name)
		}
		if strings.TrimSpace(s.KeyFile) == "" {
			return fmt.Errorf("service %q: key_file is required", name)
		}
		if strings.TrimSpace(s.StateDir) == "" {
			return fmt.Errorf("service %q: state_dir is required", name)
		}
		key := filepath.Clean(s.KeyFile)
		if other, ok := keys[key]; ok {
			return fmt.Errorf("services %q and %q share key file %s", other, name, key)
		}
		keys[key] = name
		dir := filepath.Clean(s.StateDir)
		if other, ok := dirs[dir]; ok {
			return fmt.Errorf("services %q and %q share state dir %s", other, name, dir)
		}
		dirs[dir] = name
	}
	for _, s := range t.Services {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return fmt.Errorf("service %q depends on unknown service %q", s.Name, dep)
			}
			if dep == s.Name {
				return &CycleError{Path: []string{s.Name, s.Name}}
			}
		}
	}
	_, err := t.StartOrder()
	return err
}

// Lookup finds a service by name.
func (t Topology) Lookup(name string) (Service, bool) {
	for _, s := range t.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

// StartOrder returns a dependency-respecting order. Ties break by name so the
// order is stable.
func (t Topology) StartOrder() ([]string, error) {
	g := t.graph()
	indeg := make([]int, len(g.names))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]string, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, g.names[n])
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) != len(g.names) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	return out, nil
}

// Dependencies returns the services name waits for, as readiness targets.
func (t Topology) Dependencies(name string) ([]readiness.Dependency, error) {
	s, ok := t.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	deps := make([]readiness.Dependency, 0, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		d, _ := t.Lookup(dep)
		deps = append(deps, readiness.Dependency{Name: d.Name, BaseURL: d.Address})
	}
	return deps, nil
}

// Keyring loads the public keys of the named services. Services without a
// public key file are skipped.
func (t Topology) Keyring(names ...string) (auth.Keyring, error) {
	paths := map[string]string{}
	for _, name := range names {
		s, ok := t.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		if strings.TrimSpace(s.PublicKeyFile) == "" {
			continue
		}
		paths[name] = s.PublicKeyFile
	}
	return auth.LoadKeyring(paths)
}

type graph struct {
	names      []string
	indeg      []int
	dependents [][]int
	deps       [][]int
}

// graph indexes services by sorted name. Edges run dependency -> dependent.
func (t Topology) graph() graph {
	names := make([]string, 0, len(t.Services))
	for _, s := range t.Services {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	g := graph{
		names:      names,
		indeg:      make([]int, len(names)),
		dependents: make([][]int, len(names)),
		deps:       make([][]int, len(names)),
	}
	for _, s := range t.Services {
		to := index[s.Name]
		for _, dep := range s.DependsOn {
			from, ok := index[dep]
			if !ok {
				continue
			}
			g.dependents[from] = append(g.dependents[from], to)
			g.deps[to] = append(g.deps[to], from)
			g.indeg[to]++
		}
	}
	for i := range g.dependents {
		sort.Ints(g.dependents[i])
		sort.Ints(g.deps[i])
	}
	return g
}

// findCycle walks dependency edges depth-first and returns the first cycle it
// meets.
func (g graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.deps[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.names {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for _, idx := range cycle {
		out = append(out, g.names[idx])
	}
	return out
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
