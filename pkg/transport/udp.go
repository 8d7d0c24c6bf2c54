package transport

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"sync"

	"go.uber.org/zap"
)

// maxDatagram matches the largest frame the mesh codecs accept.
const maxDatagram = 64 * 1024

// UDP sends every frame as one datagram to each known peer. The peer set
// can change at any time, e.g. from etcd discovery.
type UDP struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu    sync.RWMutex
	peers map[string]*net.UDPAddr // robot id -> address
	raw   map[string]string

	frames    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// ListenUDP binds addr (host:port, port 0 for any) and starts reading.
func ListenUDP(addr string, log *zap.Logger) (*UDP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	la, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", la)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	u := &UDP{
		conn:   conn,
		log:    log.With(zap.String("transport", "udp"), zap.Stringer("local", conn.LocalAddr())),
		peers:  make(map[string]*net.UDPAddr),
		raw:    make(map[string]string),
		frames: make(chan []byte, inboxSize),
		done:   make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// SetPeers replaces the peer set. Addresses that fail to resolve are skipped
// and reported; the rest are applied.
func (u *UDP) SetPeers(peers map[string]string) error {
	resolved := make(map[string]*net.UDPAddr, len(peers))
	raw := make(map[string]string, len(peers))
	var errs []error
	for id, addr := range peers {
		ua, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
			continue
		}
		resolved[id] = ua
		raw[id] = addr
	}
	u.mu.Lock()
	u.peers = resolved
	u.raw = raw
	u.mu.Unlock()
	u.log.Debug("peer set updated", zap.Int("peers", len(resolved)))
	return errors.Join(errs...)
}

func (u *UDP) AddPeer(id, addr string) error {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: peer %s: %w", id, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.peers[id] = ua
	u.raw[id] = addr
	return nil
}

func (u *UDP) Peers() map[string]string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return maps.Clone(u.raw)
}

func (u *UDP) Send(frame []byte) error {
	select {
	case <-u.done:
		return ErrClosed
	default:
	}
	if len(frame) > maxDatagram {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d", len(frame), maxDatagram)
	}
	u.mu.RLock()
	targets := make([]*net.UDPAddr, 0, len(u.peers))
	for _, a := range u.peers {
		targets = append(targets, a)
	}
	u.mu.RUnlock()

	var errs []error
	for _, a := range targets {
		if _, err := u.conn.WriteToUDP(frame, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *UDP) Frames() <-chan []byte { return u.frames }

func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

func (u *UDP) readLoop() {
	defer close(u.frames)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-u.done:
				return
			default:
			}
			u.log.Warn("read failed", zap.Error(err))
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case u.frames <- frame:
		default:
			u.log.Debug("inbox full, dropping datagram", zap.Stringer("from", from))
		}
	}
}
