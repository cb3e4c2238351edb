package topology

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packfarm/packfarm/internal/platform/auth"
)

func TestDefaultStartOrder(t *testing.T) {
	topo := Default()
	require.NoError(t, topo.Validate())

	order, err := topo.StartOrder()
	require.NoError(t, err)
	require.Equal(t, []string{Gateway, Avalanche, Vessel, Summit}, order)
}

func TestStartOrderRespectsEveryEdge(t *testing.T) {
	topo, err := Load(filepath.Join("testdata", "topology.yaml"))
	require.NoError(t, err)

	order, err := topo.StartOrder()
	require.NoError(t, err)
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, s := range topo.Services {
		for _, dep := range s.DependsOn {
			require.Less(t, pos[dep], pos[s.Name], "%s must start after %s", s.Name, dep)
		}
	}
}

func TestValidateRejectsSharedResources(t *testing.T) {
	topo := Default()
	topo.Services[1].KeyFile = topo.Services[0].KeyFile
	require.ErrorContains(t, topo.Validate(), "share key file")

	topo = Default()
	topo.Services[2].StateDir = topo.Services[3].StateDir + "/"
	require.ErrorContains(t, topo.Validate(), "share state dir")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	topo := Default()
	topo.Services[1].DependsOn = []string{"registry"}
	require.ErrorContains(t, topo.Validate(), "unknown service")
}

func TestValidateReportsCycle(t *testing.T) {
	topo := Default()
	topo.Services[0].DependsOn = []string{Summit}

	err := topo.Validate()
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle), "got %v", err)
	require.GreaterOrEqual(t, len(cycle.Path), 3)
	require.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
}

func TestDependencies(t *testing.T) {
	deps, err := Default().Dependencies(Summit)
	require.NoError(t, err)
	require.Len(t, deps, 3)
	require.Equal(t, Gateway, deps[0].Name)
	require.Equal(t, "http://127.0.0.1:8080", deps[0].BaseURL)

	_, err = Default().Dependencies("nope")
	require.Error(t, err)
}

func TestKeyring(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw, err := auth.MarshalPublicKeyPEM(pub)
	require.NoError(t, err)
	path := filepath.Join(dir, "vessel.pub.pem")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	topo := Default()
	topo.Services[1].PublicKeyFile = path
	topo.Services[2].PublicKeyFile = ""

	ring, err := topo.Keyring(Vessel, Avalanche)
	require.NoError(t, err)
	require.Len(t, ring, 1)
	require.True(t, pub.Equal(ring[Vessel]))
}
