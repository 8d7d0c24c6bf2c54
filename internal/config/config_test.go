package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/robomesh/pkg/mesh"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(cfg.Robot.ID, "robot-"), "generated id %q", cfg.Robot.ID)
	require.Equal(t, mesh.DefaultMaxRobots, cfg.Mesh.MaxRobots)
	require.Equal(t, time.Second, cfg.Mesh.HeartbeatInterval)
	require.Equal(t, 100*time.Millisecond, cfg.Mesh.SyncInterval)
	require.Equal(t, "udp", cfg.Transport.Kind)
	require.Equal(t, ":7946", cfg.Transport.Bind)
	require.Empty(t, cfg.Discovery.Endpoints)
	require.Equal(t, "info", cfg.Logging.Level)

	mc, err := cfg.MeshConfig()
	require.NoError(t, err)
	require.Equal(t, mesh.RobotID(cfg.Robot.ID), mc.RobotID)
	require.Equal(t, "json", mc.Codec.Name())
	require.Equal(t, 3*time.Second, mc.ElectionTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robomesh.yaml")
	yaml := `
robot:
  id: scout-1
  priority: 50
mesh:
  heartbeat_interval: 250ms
  max_robots: 3
transport:
  bind: 0.0.0.0:9000
  codec: cbor
  peers:
    scout-2: 10.0.0.2:9000
discovery:
  endpoints: [http://etcd:2379]
  ttl: 5
  advertise: 10.0.0.1:9000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "scout-1", cfg.Robot.ID)
	require.Equal(t, uint64(50), cfg.Robot.Priority)
	require.Equal(t, 250*time.Millisecond, cfg.Mesh.HeartbeatInterval)
	require.Equal(t, 3, cfg.Mesh.MaxRobots)
	require.Equal(t, map[string]string{"scout-2": "10.0.0.2:9000"}, cfg.Transport.Peers)
	require.Equal(t, []string{"http://etcd:2379"}, cfg.Discovery.Endpoints)
	require.Equal(t, "10.0.0.1:9000", cfg.Discovery.Advertise)

	mc, err := cfg.MeshConfig()
	require.NoError(t, err)
	require.Equal(t, "cbor", mc.Codec.Name())
	require.Equal(t, uint64(50), mc.Priority)
}

func TestEnvOverridesFileAndFlagsOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robomesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("robot:\n  id: from-file\nhttp:\n  addr: :1111\n"), 0o644))

	t.Setenv("ROBOMESH_ROBOT_ID", "from-env")
	t.Setenv("ROBOMESH_HTTP_ADDR", ":2222")
	t.Setenv("ROBOMESH_MESH_ELECTION_TIMEOUT", "750ms")

	fs := pflag.NewFlagSet("robomesh", pflag.ContinueOnError)
	fs.String("id", "", "")
	fs.String("http", ":8080", "")
	require.NoError(t, fs.Parse([]string{"--http", ":3333"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Robot.ID)
	require.Equal(t, ":3333", cfg.HTTP.Addr)
	require.Equal(t, 750*time.Millisecond, cfg.Mesh.ElectionTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"too many robots": "mesh:\n  max_robots: 5\n",
		"bad codec":       "transport:\n  codec: xml\n",
		"bad kind":        "transport:\n  kind: tcp\n",
		"zero heartbeat":  "mesh:\n  heartbeat_interval: 0s\n",
		"discovery ttl":   "discovery:\n  endpoints: [etcd:2379]\n  ttl: 0\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "robomesh.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := Load(path, nil)
		require.Error(t, err, name)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestDiscoveryNeedsReachableAdvertise(t *testing.T) {
	t.Setenv("ROBOMESH_DISCOVERY_ENDPOINTS", "http://etcd:2379")

	_, err := Load("", nil)
	require.ErrorContains(t, err, "discovery.advertise", "default bind :7946 has no host")

	t.Setenv("ROBOMESH_TRANSPORT_BIND", "0.0.0.0:7946")
	_, err = Load("", nil)
	require.ErrorContains(t, err, "wildcard")

	t.Setenv("ROBOMESH_DISCOVERY_ADVERTISE", "scout-1.lan:0")
	_, err = Load("", nil)
	require.ErrorContains(t, err, "fixed port")

	t.Setenv("ROBOMESH_DISCOVERY_ADVERTISE", "scout-1.lan:7946")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "scout-1.lan:7946", cfg.Discovery.Advertise)

	t.Setenv("ROBOMESH_DISCOVERY_ADVERTISE", "")
	t.Setenv("ROBOMESH_TRANSPORT_BIND", "192.168.1.20:7946")
	cfg, err = Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.20:7946", cfg.Discovery.Advertise)
}

func TestAdvertiseIgnoredWithoutDiscovery(t *testing.T) {
	t.Setenv("ROBOMESH_TRANSPORT_BIND", "0.0.0.0:7946")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Empty(t, cfg.Discovery.Advertise)
}
