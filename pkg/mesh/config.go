package mesh

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRobots         = 4
	DefaultHeartbeatInterval = 1000 * time.Millisecond
	DefaultDiscoveryTimeout  = 5000 * time.Millisecond
	DefaultSyncInterval      = 100 * time.Millisecond
	DefaultElectionTimeout   = 3000 * time.Millisecond
	DefaultDisconnectTimeout = 3000 * time.Millisecond
	DefaultSweepInterval     = 1000 * time.Millisecond
	DefaultReplayTTL         = 30 * time.Second
)

// Config is fixed for the lifetime of a Coordinator.
type Config struct {
	RobotID RobotID
	// Priority overrides the hash-derived election priority when non-zero.
	Priority uint64

	MaxRobots         int
	HeartbeatInterval time.Duration
	DiscoveryTimeout  time.Duration
	SyncInterval      time.Duration
	ElectionTimeout   time.Duration
	DisconnectTimeout time.Duration
	SweepInterval     time.Duration

	// ReplayTTL is how long a received command's sender and sequence are
	// remembered for duplicate suppression.
	ReplayTTL time.Duration

	// Codec defaults to JSONCodec.
	Codec Codec
}

// DefaultConfig returns the stock timings with a generated robot id.
func DefaultConfig() Config {
	return Config{
		RobotID:           NewRobotID(),
		MaxRobots:         DefaultMaxRobots,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DiscoveryTimeout:  DefaultDiscoveryTimeout,
		SyncInterval:      DefaultSyncInterval,
		ElectionTimeout:   DefaultElectionTimeout,
		DisconnectTimeout: DefaultDisconnectTimeout,
		SweepInterval:     DefaultSweepInterval,
		ReplayTTL:         DefaultReplayTTL,
		Codec:             JSONCodec{},
	}
}

// NewRobotID returns "robot-" followed by the first block of a random UUID.
func NewRobotID() RobotID {
	return RobotID("robot-" + strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// withDefaults fills zero fields from DefaultConfig. The robot id is left
// alone so Validate can reject a missing one.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRobots == 0 {
		c.MaxRobots = d.MaxRobots
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = d.ElectionTimeout
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ReplayTTL == 0 {
		c.ReplayTTL = d.ReplayTTL
	}
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(string(c.RobotID)) == "" {
		return fmt.Errorf("%w: robot id required", ErrInvalidConfig)
	}
	if c.MaxRobots < 1 || c.MaxRobots > DefaultMaxRobots {
		return fmt.Errorf("%w: max robots %d outside 1..%d", ErrInvalidConfig, c.MaxRobots, DefaultMaxRobots)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat interval": c.HeartbeatInterval,
		"discovery timeout":  c.DiscoveryTimeout,
		"sync interval":      c.SyncInterval,
		"election timeout":   c.ElectionTimeout,
		"disconnect timeout": c.DisconnectTimeout,
		"sweep interval":     c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}
	if c.ReplayTTL < 0 {
		return fmt.Errorf("%w: replay ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}

// priority is the robot's effective election priority.
func (c Config) priority() uint64 {
	if c.Priority != 0 {
		return c.Priority
	}
	return PriorityOf(c.RobotID)
}
