package transport

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func listen(t *testing.T) *UDP {
	t.Helper()
	u, err := ListenUDP("127.0.0.1:0", zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestUDPSendToPeers(t *testing.T) {
	a, b := listen(t), listen(t)
	if err := a.SetPeers(map[string]string{"b": b.LocalAddr().String()}); err != nil {
		t.Fatalf("SetPeers: %v", err)
	}
	if err := a.Send([]byte(`{"hi":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-b.Frames():
		if string(f) != `{"hi":1}` {
			t.Fatalf("got %q", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("datagram not received")
	}
}

func TestUDPPeerSet(t *testing.T) {
	u := listen(t)
	err := u.SetPeers(map[string]string{
		"ok":  "127.0.0.1:9",
		"bad": "not-an-address",
	})
	if err == nil {
		t.Fatalf("expected resolve error for bad peer")
	}
	if got := u.Peers(); len(got) != 1 || got["ok"] != "127.0.0.1:9" {
		t.Fatalf("Peers = %v, want only ok", got)
	}
	if err := u.AddPeer("two", "127.0.0.1:10"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if got := len(u.Peers()); got != 2 {
		t.Fatalf("len(Peers) = %d, want 2", got)
	}
}

func TestUDPCloseEndsFrames(t *testing.T) {
	u := listen(t)
	if err := u.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-u.Frames():
		if ok {
			t.Fatalf("unexpected frame after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame stream not closed")
	}
	if err := u.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestUDPRejectsOversizeFrame(t *testing.T) {
	u := listen(t)
	if err := u.Send(make([]byte, maxDatagram+1)); err == nil {
		t.Fatalf("oversize frame accepted")
	}
}
