package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/discovery"
	"github.com/ryandielhenn/robomesh/internal/config"
	"github.com/ryandielhenn/robomesh/internal/logging"
	"github.com/ryandielhenn/robomesh/internal/telemetry"
	"github.com/ryandielhenn/robomesh/pkg/mesh"
	"github.com/ryandielhenn/robomesh/pkg/node"
	"github.com/ryandielhenn/robomesh/pkg/transport"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "robomesh",
		Short:         "robomesh - coordination daemon for a small robot mesh",
		Long:          `robomesh joins a peer-to-peer mesh of up to four robots over UDP, elects a leader, keeps robot state in sync and relays coordinated commands. An HTTP API exposes the local view.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file")
	flags.String("id", "", "Robot id (default robot-<random>)")
	flags.Uint64("priority", 0, "Election priority override (0 derives it from the id)")
	flags.String("bind", ":7946", "UDP address for mesh traffic")
	flags.String("codec", "json", "Wire codec: json or cbor")
	flags.StringSlice("etcd", nil, "etcd endpoints for peer discovery")
	flags.String("advertise", "", "Mesh address published to etcd; required when --bind has no concrete host (default --bind)")
	flags.String("http", ":8080", "HTTP API address")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format: console or json")
	flags.Int("max-robots", mesh.DefaultMaxRobots, "Membership capacity, self included")
	flags.Duration("heartbeat", mesh.DefaultHeartbeatInterval, "Heartbeat interval")
	flags.Duration("election", mesh.DefaultElectionTimeout, "Election timeout")
	flags.Duration("disconnect", mesh.DefaultDisconnectTimeout, "Silence before a robot is evicted")
	flags.Duration("sync-interval", mesh.DefaultSyncInterval, "State broadcast interval")
	flags.Duration("sweep-interval", mesh.DefaultSweepInterval, "Failure detector sweep interval")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	telemetry.SetBuildInfo(version, gitSHA)

	mc, err := cfg.MeshConfig()
	if err != nil {
		return err
	}
	coord, err := mesh.New(mc, log)
	if err != nil {
		return err
	}
	defer coord.Close()
	coord.AddEventListener(logEvents(log))

	// 1. Bind the mesh socket and seed static peers
	udp, err := transport.ListenUDP(cfg.Transport.Bind, log)
	if err != nil {
		return err
	}
	self := string(mc.RobotID)
	defPort := portOf(cfg.Transport.Bind)
	static := peerSet(self, cfg.Transport.Peers, defPort)
	if err := udp.SetPeers(static); err != nil {
		log.Warn("some static peers were skipped", zap.Error(err))
	}

	// 2. Join the mesh
	if err := coord.Connect(ctx, udp); err != nil {
		udp.Close()
		return err
	}
	log.Info("joined mesh",
		zap.String("bind", udp.LocalAddr().String()),
		zap.Int("static_peers", len(static)),
	)

	// 3. Register with etcd and follow the peer set
	if len(cfg.Discovery.Endpoints) > 0 {
		cleanup, err := startDiscovery(ctx, cfg, self, defPort, static, udp, log)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	// 4. Serve the HTTP API
	n := node.NewNode(coord, cfg.HTTP.Addr, log)
	srv := &http.Server{
		Addr:              n.Addr(),
		Handler:           n.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", n.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func startDiscovery(ctx context.Context, cfg *config.Config, self, defPort string, static map[string]string, udp *transport.UDP, log *zap.Logger) (func(), error) {
	d := cfg.Discovery
	cli, err := discovery.NewClient(d.Endpoints, d.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	log.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))

	leaseID, cancelLease, err := discovery.RegisterRobot(ctx, cli, d.Prefix, self, d.Advertise, d.TTL, log)
	if err != nil {
		cli.Close()
		return nil, err
	}
	log.Info("registered with etcd", zap.String("advertise", d.Advertise), zap.Int64("lease", int64(leaseID)))

	err = discovery.WatchPeers(ctx, cli, d.Prefix, log, func(found map[string]string) {
		peers := maps.Clone(static)
		maps.Copy(peers, peerSet(self, found, defPort))
		if err := udp.SetPeers(peers); err != nil {
			log.Warn("some discovered peers were skipped", zap.Error(err))
		}
		log.Info("peer set changed", zap.Int("peers", len(peers)))
	})
	if err != nil {
		cancelLease()
		cli.Close()
		return nil, err
	}

	return func() {
		cancelLease()
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = cli.Revoke(rctx, leaseID)
		cli.Close()
	}, nil
}

// peerSet normalizes addresses and drops the local robot.
func peerSet(self string, in map[string]string, defPort string) map[string]string {
	out := make(map[string]string, len(in))
	for id, addr := range in {
		if id == self {
			continue
		}
		out[id] = node.NormalizeHostPort(addr, defPort)
	}
	return out
}

func portOf(bind string) string {
	if _, port, err := net.SplitHostPort(bind); err == nil && port != "" && port != "0" {
		return port
	}
	return "7946"
}

func logEvents(log *zap.Logger) mesh.Listener {
	return func(ev mesh.Event) {
		robot := zap.String("peer", string(ev.Robot.ID))
		switch ev.Type {
		case mesh.EventLeaderElected:
			log.Info("leader elected", robot)
		case mesh.EventRobotConnected:
			log.Info("robot connected", robot)
		case mesh.EventRobotDisconnected:
			log.Warn("robot disconnected", robot)
		case mesh.EventMessageReceived:
			if ev.Message == nil {
				return
			}
			if cmd, ok := ev.Message.Payload.(mesh.CommandPayload); ok {
				log.Info("command received", zap.String("from", string(ev.Message.FromRobot)),
					zap.String("command", cmd.CommandType), zap.Float64s("params", cmd.Params))
			}
		}
	}
}
