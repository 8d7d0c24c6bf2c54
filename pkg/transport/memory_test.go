package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, l *Link, within time.Duration) ([]byte, bool) {
	t.Helper()
	select {
	case f, ok := <-l.Frames():
		return f, ok
	case <-time.After(within):
		return nil, false
	}
}

func join(t *testing.T, h *Hub, ids ...string) []*Link {
	t.Helper()
	out := make([]*Link, 0, len(ids))
	for _, id := range ids {
		l, err := h.Join(id)
		if err != nil {
			t.Fatalf("Join(%q): %v", id, err)
		}
		out = append(out, l)
	}
	return out
}

func TestHubBroadcastsToOthers(t *testing.T) {
	h := NewHub(Faults{}, 1)
	ls := join(t, h, "a", "b", "c")

	if err := ls[0].Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, l := range ls[1:] {
		f, ok := recv(t, l, time.Second)
		if !ok || !bytes.Equal(f, []byte("hello")) {
			t.Fatalf("%s got %q, %v; want hello", l.ID(), f, ok)
		}
	}
	if f, ok := recv(t, ls[0], 20*time.Millisecond); ok {
		t.Fatalf("sender received its own frame %q", f)
	}
}

func TestHubCopiesFrames(t *testing.T) {
	h := NewHub(Faults{}, 1)
	ls := join(t, h, "a", "b")
	buf := []byte("abc")
	_ = ls[0].Send(buf)
	buf[0] = 'X'
	f, _ := recv(t, ls[1], time.Second)
	if string(f) != "abc" {
		t.Fatalf("frame mutated after Send: %q", f)
	}
}

func TestHubDuplicateJoin(t *testing.T) {
	h := NewHub(Faults{}, 1)
	join(t, h, "a")
	if _, err := h.Join("a"); err == nil {
		t.Fatalf("second Join(a) succeeded")
	}
}

func TestHubDropAll(t *testing.T) {
	h := NewHub(Faults{DropRate: 1}, 1)
	ls := join(t, h, "a", "b")
	for range 10 {
		_ = ls[0].Send([]byte("x"))
	}
	if f, ok := recv(t, ls[1], 20*time.Millisecond); ok {
		t.Fatalf("frame %q survived a drop rate of 1", f)
	}
}

func TestHubDuplicates(t *testing.T) {
	h := NewHub(Faults{DupRate: 1}, 1)
	ls := join(t, h, "a", "b")
	_ = ls[0].Send([]byte("x"))
	for i := range 2 {
		if _, ok := recv(t, ls[1], time.Second); !ok {
			t.Fatalf("copy %d missing", i+1)
		}
	}
}

func TestHubDelayStillDelivers(t *testing.T) {
	h := NewHub(Faults{MaxDelay: 20 * time.Millisecond}, 7)
	ls := join(t, h, "a", "b")
	const n = 20
	for i := range n {
		_ = ls[0].Send([]byte{byte(i)})
	}
	seen := make(map[byte]bool)
	for range n {
		f, ok := recv(t, ls[1], time.Second)
		if !ok {
			t.Fatalf("only %d of %d frames arrived", len(seen), n)
		}
		seen[f[0]] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct frames, want %d", len(seen), n)
	}
}

func TestHubPartition(t *testing.T) {
	h := NewHub(Faults{}, 1)
	ls := join(t, h, "a", "b", "c")
	h.Partition("c", true)

	_ = ls[0].Send([]byte("to-all"))
	if _, ok := recv(t, ls[1], time.Second); !ok {
		t.Fatalf("b should still hear a")
	}
	if f, ok := recv(t, ls[2], 20*time.Millisecond); ok {
		t.Fatalf("partitioned c received %q", f)
	}
	_ = ls[2].Send([]byte("from-c"))
	if f, ok := recv(t, ls[0], 20*time.Millisecond); ok {
		t.Fatalf("a heard partitioned c: %q", f)
	}

	h.Partition("c", false)
	_ = ls[0].Send([]byte("healed"))
	if f, ok := recv(t, ls[2], time.Second); !ok || string(f) != "healed" {
		t.Fatalf("c after heal got %q, %v", f, ok)
	}
}

func TestHubDropClosesFrames(t *testing.T) {
	h := NewHub(Faults{}, 1)
	ls := join(t, h, "a", "b")
	h.Drop("b")

	select {
	case _, ok := <-ls[1].Frames():
		if ok {
			t.Fatalf("expected closed frame stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("frame stream not closed after Drop")
	}
	if err := ls[1].Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Drop = %v, want ErrClosed", err)
	}
	if got := h.Members(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Members = %v, want [a]", got)
	}
	// closing an already dropped link is harmless
	if err := ls[1].Close(); err != nil {
		t.Fatalf("Close after Drop: %v", err)
	}
}

func TestLinkCloseLeavesHub(t *testing.T) {
	h := NewHub(Faults{}, 1)
	ls := join(t, h, "a", "b")
	if err := ls[0].Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := h.Members(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Members = %v, want [b]", got)
	}
	if _, err := h.Join("a"); err != nil {
		t.Fatalf("rejoin after Close: %v", err)
	}
}
