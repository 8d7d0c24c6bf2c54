// Package discovery publishes robots in etcd so that meshes spanning hosts
// can find their UDP peers.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/robomesh/robots"

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func robotKey(prefix, id string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + id
}

// robotIDFromKey extracts the robot id from a key under prefix.
func robotIDFromKey(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, strings.TrimSuffix(prefix, "/")+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// RegisterRobot publishes id -> addr under a lease kept alive until the
// returned cancel func is called or ctx ends. The key vanishes ttl seconds
// after the robot stops renewing it.
func RegisterRobot(ctx context.Context, cli *clientv3.Client, prefix, id, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, robotKey(prefix, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	kctx, cancel := context.WithCancel(ctx)
	ka, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
		if kctx.Err() == nil {
			log.Warn("lease keepalive stopped", zap.String("robot", id), zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers lists every registered robot and the revision the listing
// reflects.
func GetPeers(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, strings.TrimSuffix(prefix, "/")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := robotIDFromKey(prefix, string(kv.Key)); ok {
			peers[id] = string(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer map once at start and again after
// every change, until ctx ends. If etcd closes the watch while ctx is live
// (compaction, server-side cancel) the peers are re-listed and the watch
// resumes from the new revision.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, log *zap.Logger, fn func(map[string]string)) error {
	if log == nil {
		log = zap.NewNop()
	}
	f := &peerFollower{
		prefix: prefix,
		log:    log,
		retry:  time.Second,
		fn:     fn,
		list: func(ctx context.Context) (map[string]string, int64, error) {
			return GetPeers(ctx, cli, prefix)
		},
		watch: func(ctx context.Context, rev int64) clientv3.WatchChan {
			return cli.Watch(ctx, strings.TrimSuffix(prefix, "/")+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		},
	}
	peers, rev, err := f.list(ctx)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))
	go f.run(ctx, peers, rev)
	return nil
}

type peerFollower struct {
	prefix string
	log    *zap.Logger
	retry  time.Duration
	fn     func(map[string]string)
	list   func(ctx context.Context) (map[string]string, int64, error)
	watch  func(ctx context.Context, rev int64) clientv3.WatchChan
}

func (f *peerFollower) run(ctx context.Context, peers map[string]string, rev int64) {
	for {
		rev = f.follow(ctx, peers, rev)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn("peer watch closed, re-listing", zap.Int64("revision", rev))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.retry):
			}
			fresh, r, err := f.list(ctx)
			if err != nil {
				f.log.Warn("re-listing peers failed", zap.Error(err))
				continue
			}
			rev = r
			if !maps.Equal(fresh, peers) {
				peers = fresh
				f.fn(maps.Clone(peers))
			}
			break
		}
	}
}

// follow applies watch events after rev until the watch channel closes and
// returns the last revision seen.
func (f *peerFollower) follow(ctx context.Context, peers map[string]string, rev int64) int64 {
	for resp := range f.watch(ctx, rev) {
		if err := resp.Err(); err != nil {
			f.log.Warn("peer watch error", zap.Error(err))
			continue
		}
		if resp.Header.Revision > rev {
			rev = resp.Header.Revision
		}
		if applyEvents(peers, f.prefix, resp.Events) {
			f.fn(maps.Clone(peers))
		}
	}
	return rev
}

// applyEvents folds watch events into peers and reports whether anything
// changed.
func applyEvents(peers map[string]string, prefix string, evs []*clientv3.Event) bool {
	changed := false
	for _, ev := range evs {
		if ev.Kv == nil {
			continue
		}
		id, ok := robotIDFromKey(prefix, string(ev.Kv.Key))
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if old, ok := peers[id]; !ok || old != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}
