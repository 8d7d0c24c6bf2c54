package discovery

import (
	"context"
	"maps"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func TestRobotIDFromKey(t *testing.T) {
	cases := []struct {
		prefix, key, want string
		ok                bool
	}{
		{DefaultPrefix, "/robomesh/robots/r1", "r1", true},
		{DefaultPrefix + "/", "/robomesh/robots/r1", "r1", true},
		{DefaultPrefix, "/robomesh/robots/", "", false},
		{DefaultPrefix, "/robomesh/robotsX/r1", "", false},
		{DefaultPrefix, "/robomesh/robots/a/b", "", false},
		{DefaultPrefix, "/other/r1", "", false},
	}
	for _, tc := range cases {
		got, ok := robotIDFromKey(tc.prefix, tc.key)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("robotIDFromKey(%q, %q) = %q, %v; want %q, %v", tc.prefix, tc.key, got, ok, tc.want, tc.ok)
		}
	}
	if got := robotKey(DefaultPrefix+"/", "r9"); got != "/robomesh/robots/r9" {
		t.Fatalf("robotKey = %q", got)
	}
}

func put(key, val string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)}}
}

func del(key string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestApplyEvents(t *testing.T) {
	peers := map[string]string{"r1": "10.0.0.1:7946"}

	if !applyEvents(peers, DefaultPrefix, []*clientv3.Event{put("/robomesh/robots/r2", "10.0.0.2:7946")}) {
		t.Fatalf("adding r2 reported no change")
	}
	if applyEvents(peers, DefaultPrefix, []*clientv3.Event{put("/robomesh/robots/r2", "10.0.0.2:7946")}) {
		t.Fatalf("re-putting the same address reported a change")
	}
	if applyEvents(peers, DefaultPrefix, []*clientv3.Event{put("/elsewhere/r3", "x"), {Type: mvccpb.PUT}}) {
		t.Fatalf("foreign key or empty event reported a change")
	}
	if !applyEvents(peers, DefaultPrefix, []*clientv3.Event{del("/robomesh/robots/r1"), put("/robomesh/robots/r2", "10.0.0.9:7946")}) {
		t.Fatalf("delete+move reported no change")
	}
	if len(peers) != 1 || peers["r2"] != "10.0.0.9:7946" {
		t.Fatalf("peers = %v, want only r2 at 10.0.0.9:7946", peers)
	}
	if applyEvents(peers, DefaultPrefix, []*clientv3.Event{del("/robomesh/robots/r1")}) {
		t.Fatalf("deleting an absent robot reported a change")
	}
}

func TestFollowerResumesAfterWatchCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan clientv3.WatchResponse, 1)
	second := make(chan clientv3.WatchResponse)
	streams := []chan clientv3.WatchResponse{first, second}

	var (
		mu    sync.Mutex
		revs  []int64
		lists int
	)
	updates := make(chan map[string]string, 8)
	f := &peerFollower{
		prefix: DefaultPrefix,
		log:    zap.NewNop(),
		retry:  time.Millisecond,
		fn:     func(p map[string]string) { updates <- p },
		list: func(context.Context) (map[string]string, int64, error) {
			mu.Lock()
			defer mu.Unlock()
			lists++
			return map[string]string{"r1": "10.0.0.1:7946", "r3": "10.0.0.3:7946"}, 20, nil
		},
		watch: func(ctx context.Context, rev int64) clientv3.WatchChan {
			mu.Lock()
			defer mu.Unlock()
			ch := streams[len(revs)]
			revs = append(revs, rev)
			if ch == second {
				go func() {
					<-ctx.Done()
					close(second)
				}()
			}
			return ch
		},
	}

	// The first watch delivers one event, then etcd closes it.
	first <- clientv3.WatchResponse{
		Header: etcdserverpb.ResponseHeader{Revision: 11},
		Events: []*clientv3.Event{put("/robomesh/robots/r2", "10.0.0.2:7946")},
	}
	close(first)

	done := make(chan struct{})
	go func() {
		f.run(ctx, map[string]string{"r1": "10.0.0.1:7946"}, 10)
		close(done)
	}()

	want := []map[string]string{
		{"r1": "10.0.0.1:7946", "r2": "10.0.0.2:7946"},
		{"r1": "10.0.0.1:7946", "r3": "10.0.0.3:7946"},
	}
	for i, w := range want {
		select {
		case got := <-updates:
			if !maps.Equal(got, w) {
				t.Fatalf("update %d = %v, want %v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d never arrived", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("follower did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if lists != 1 {
		t.Fatalf("re-listed %d times, want 1", lists)
	}
	if len(revs) != 2 || revs[0] != 10 || revs[1] != 20 {
		t.Fatalf("watched from revisions %v, want [10 20]", revs)
	}
}
