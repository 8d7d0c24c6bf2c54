// Package config loads robomesh settings from an optional YAML file,
// ROBOMESH_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ryandielhenn/robomesh/pkg/mesh"
)

// Config represents the process configuration
type Config struct {
	Robot     RobotConfig     `mapstructure:"robot"`
	Mesh      MeshConfig      `mapstructure:"mesh"`
	Transport TransportConfig `mapstructure:"transport"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type RobotConfig struct {
	ID       string `mapstructure:"id"`
	Priority uint64 `mapstructure:"priority"`
}

// MeshConfig holds the coordination timings.
type MeshConfig struct {
	MaxRobots         int           `mapstructure:"max_robots"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReplayTTL         time.Duration `mapstructure:"replay_ttl"`
}

// TransportConfig selects how frames travel between robots. Peers are
// host:port pairs keyed by robot id.
type TransportConfig struct {
	Kind  string            `mapstructure:"kind"`
	Bind  string            `mapstructure:"bind"`
	Codec string            `mapstructure:"codec"`
	Peers map[string]string `mapstructure:"peers"`
}

// DiscoveryConfig enables etcd-backed peer discovery when Endpoints is set.
type DiscoveryConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	TTL         int64         `mapstructure:"ttl"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// Advertise is the address other robots should send frames to. It
	// defaults to transport.bind, which then needs a concrete host.
	Advertise string `mapstructure:"advertise"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"id":             "robot.id",
	"priority":       "robot.priority",
	"bind":           "transport.bind",
	"codec":          "transport.codec",
	"etcd":           "discovery.endpoints",
	"advertise":      "discovery.advertise",
	"http":           "http.addr",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
	"max-robots":     "mesh.max_robots",
	"heartbeat":      "mesh.heartbeat_interval",
	"election":       "mesh.election_timeout",
	"disconnect":     "mesh.disconnect_timeout",
	"sync-interval":  "mesh.sync_interval",
	"sweep-interval": "mesh.sweep_interval",
}

// Load reads configuration from path (optional), the environment and any
// flags in fs that the user set. Flags win over the environment, which wins
// over the file.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROBOMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("robomesh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/robomesh")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("robot.id", "")
	v.SetDefault("robot.priority", 0)

	v.SetDefault("mesh.max_robots", mesh.DefaultMaxRobots)
	v.SetDefault("mesh.heartbeat_interval", mesh.DefaultHeartbeatInterval)
	v.SetDefault("mesh.discovery_timeout", mesh.DefaultDiscoveryTimeout)
	v.SetDefault("mesh.sync_interval", mesh.DefaultSyncInterval)
	v.SetDefault("mesh.election_timeout", mesh.DefaultElectionTimeout)
	v.SetDefault("mesh.disconnect_timeout", mesh.DefaultDisconnectTimeout)
	v.SetDefault("mesh.sweep_interval", mesh.DefaultSweepInterval)
	v.SetDefault("mesh.replay_ttl", mesh.DefaultReplayTTL)

	v.SetDefault("transport.kind", "udp")
	v.SetDefault("transport.bind", ":7946")
	v.SetDefault("transport.codec", "json")

	v.SetDefault("discovery.endpoints", []string{})
	v.SetDefault("discovery.prefix", "/robomesh/robots")
	v.SetDefault("discovery.ttl", 10)
	v.SetDefault("discovery.dial_timeout", 5*time.Second)
	v.SetDefault("discovery.advertise", "")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks the configuration and fills computed values: a missing
// robot id gets a generated one.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Robot.ID) == "" {
		c.Robot.ID = string(mesh.NewRobotID())
	}
	if c.Transport.Kind != "udp" {
		return fmt.Errorf("transport.kind %q unsupported, want udp", c.Transport.Kind)
	}
	if c.Transport.Bind == "" {
		return fmt.Errorf("transport.bind is required")
	}
	if _, err := mesh.CodecByName(c.Transport.Codec); err != nil {
		return fmt.Errorf("transport.codec: %w", err)
	}
	if len(c.Discovery.Endpoints) > 0 {
		if c.Discovery.TTL < 1 {
			return fmt.Errorf("discovery.ttl must be at least 1 second")
		}
		if c.Discovery.Advertise == "" {
			c.Discovery.Advertise = c.Transport.Bind
		}
		if err := checkAdvertise(c.Discovery.Advertise); err != nil {
			return err
		}
	}
	if _, err := c.MeshConfig(); err != nil {
		return err
	}
	return nil
}

// checkAdvertise rejects addresses peers on other hosts cannot send to: a
// missing or wildcard host, or port 0.
func checkAdvertise(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("discovery.advertise %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("discovery.advertise %q has no host; set discovery.advertise to an address other robots can reach", addr)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("discovery.advertise %q is a wildcard address; set discovery.advertise to an address other robots can reach", addr)
	}
	if port == "" || port == "0" {
		return fmt.Errorf("discovery.advertise %q needs a fixed port", addr)
	}
	return nil
}

// MeshConfig converts the loaded settings into a coordinator config.
func (c *Config) MeshConfig() (mesh.Config, error) {
	codec, err := mesh.CodecByName(c.Transport.Codec)
	if err != nil {
		return mesh.Config{}, err
	}
	mc := mesh.Config{
		RobotID:           mesh.RobotID(c.Robot.ID),
		Priority:          c.Robot.Priority,
		MaxRobots:         c.Mesh.MaxRobots,
		HeartbeatInterval: c.Mesh.HeartbeatInterval,
		DiscoveryTimeout:  c.Mesh.DiscoveryTimeout,
		SyncInterval:      c.Mesh.SyncInterval,
		ElectionTimeout:   c.Mesh.ElectionTimeout,
		DisconnectTimeout: c.Mesh.DisconnectTimeout,
		SweepInterval:     c.Mesh.SweepInterval,
		ReplayTTL:         c.Mesh.ReplayTTL,
		Codec:             codec,
	}
	if err := mc.Validate(); err != nil {
		return mesh.Config{}, err
	}
	return mc, nil
}
