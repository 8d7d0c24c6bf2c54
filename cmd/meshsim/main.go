package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/internal/logging"
	"github.com/ryandielhenn/robomesh/pkg/mesh"
	"github.com/ryandielhenn/robomesh/pkg/transport"
)

type options struct {
	robots    int
	rounds    int
	drop      float64
	dup       float64
	delay     time.Duration
	seed      uint64
	codec     string
	heartbeat time.Duration
	election  time.Duration
	timeout   time.Duration
	logLevel  string
}

func main() {
	var o options
	fs := pflag.NewFlagSet("meshsim", pflag.ExitOnError)
	fs.IntVarP(&o.robots, "robots", "n", mesh.DefaultMaxRobots, "robots in the mesh (1-4)")
	fs.IntVarP(&o.rounds, "rounds", "r", 3, "leader kills after the first election")
	fs.Float64Var(&o.drop, "drop", 0.1, "probability a frame is lost")
	fs.Float64Var(&o.dup, "dup", 0.05, "probability a frame is delivered twice")
	fs.DurationVar(&o.delay, "delay", 20*time.Millisecond, "max random delivery delay")
	fs.Uint64Var(&o.seed, "seed", uint64(time.Now().UnixNano()), "fault injection seed")
	fs.StringVar(&o.codec, "codec", "json", "wire codec: json or cbor")
	fs.DurationVar(&o.heartbeat, "heartbeat", 50*time.Millisecond, "heartbeat interval")
	fs.DurationVar(&o.election, "election", 150*time.Millisecond, "election timeout")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "give up waiting for a leader after this long")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level")
	fs.Parse(os.Args[1:])

	if err := simulate(o); err != nil {
		fmt.Fprintf(os.Stderr, "meshsim: %v\n", err)
		os.Exit(1)
	}
}

type robot struct {
	c *mesh.Coordinator
}

func simulate(o options) error {
	log, err := logging.New(o.logLevel, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	codec, err := mesh.CodecByName(o.codec)
	if err != nil {
		return err
	}

	hub := transport.NewHub(transport.Faults{DropRate: o.drop, DupRate: o.dup, MaxDelay: o.delay}, o.seed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alive := make(map[mesh.RobotID]robot, o.robots)
	for i := 1; i <= o.robots; i++ {
		cfg := mesh.DefaultConfig()
		cfg.RobotID = mesh.RobotID(fmt.Sprintf("robot-%d", i))
		cfg.Codec = codec
		cfg.HeartbeatInterval = o.heartbeat
		cfg.DisconnectTimeout = 3 * o.heartbeat
		cfg.SweepInterval = o.heartbeat
		cfg.ElectionTimeout = o.election
		cfg.SyncInterval = o.heartbeat / 2
		cfg.DiscoveryTimeout = 2 * o.election

		c, err := mesh.New(cfg, log)
		if err != nil {
			return err
		}
		defer c.Close()
		link, err := hub.Join(string(cfg.RobotID))
		if err != nil {
			return err
		}
		if err := c.Connect(ctx, link); err != nil {
			return err
		}
		alive[cfg.RobotID] = robot{c: c}
	}

	fmt.Printf("meshsim: %d robots, drop=%.2f dup=%.2f delay<=%s seed=%d codec=%s\n",
		o.robots, o.drop, o.dup, o.delay, o.seed, codec.Name())

	start := time.Now()
	leader, err := awaitLeader(alive, o.timeout)
	if err != nil {
		return err
	}
	fmt.Printf("elected %s in %s\n", leader, time.Since(start).Round(time.Millisecond))

	for round := 1; round <= o.rounds && len(alive) > 1; round++ {
		killed := leader
		alive[killed].c.Disconnect()
		delete(alive, killed)

		start = time.Now()
		leader, err = awaitLeader(alive, o.timeout)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		fmt.Printf("round %d: killed %s, re-elected %s in %s\n",
			round, killed, leader, time.Since(start).Round(time.Millisecond))
	}
	log.Debug("simulation done", zap.Strings("hub", hub.Members()))
	return nil
}

// awaitLeader polls until every surviving robot sees only the survivors and
// agrees on one leader among them.
func awaitLeader(alive map[mesh.RobotID]robot, timeout time.Duration) (mesh.RobotID, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if id, ok := agreed(alive); ok {
			return id, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return "", fmt.Errorf("no agreed leader among %d robots after %s", len(alive), timeout)
}

func agreed(alive map[mesh.RobotID]robot) (mesh.RobotID, bool) {
	var leader mesh.RobotID
	for _, r := range alive {
		if len(r.c.ConnectedRobots()) != len(alive) {
			return "", false
		}
		l, ok := r.c.Leader()
		if !ok {
			return "", false
		}
		if _, live := alive[l.ID]; !live {
			return "", false
		}
		if leader != "" && l.ID != leader {
			return "", false
		}
		leader = l.ID
	}
	return leader, leader != ""
}
