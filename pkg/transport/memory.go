package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

var ErrClosed = errors.New("transport: closed")

const inboxSize = 256

// Faults describes how unreliable a Hub is. Rates are per frame and per
// recipient, in [0, 1].
type Faults struct {
	DropRate float64
	DupRate  float64
	// MaxDelay delays each delivery by a random duration below it, which
	// also reorders frames.
	MaxDelay time.Duration
}

// Hub relays frames between the links joined to it, inside one process.
// Every Send reaches every other link unless a fault intervenes.
type Hub struct {
	mu          sync.RWMutex
	links       map[string]*Link
	partitioned map[string]bool
	faults      Faults

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewHub(f Faults, seed uint64) *Hub {
	return &Hub{
		links:       make(map[string]*Link),
		partitioned: make(map[string]bool),
		faults:      f,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Join attaches a new link named id.
func (h *Hub) Join(id string) (*Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[id]; ok {
		return nil, fmt.Errorf("transport: %q already joined", id)
	}
	l := &Link{hub: h, id: id, in: make(chan []byte, inboxSize)}
	h.links[id] = l
	return l, nil
}

func (h *Hub) SetFaults(f Faults) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = f
}

// Partition cuts id off from every other link, or heals it when cut is
// false. The link itself stays open.
func (h *Hub) Partition(id string, cut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cut {
		h.partitioned[id] = true
	} else {
		delete(h.partitioned, id)
	}
}

// Drop severs id's link as if the connection failed: its frame stream
// closes and further sends fail.
func (h *Hub) Drop(id string) {
	h.mu.Lock()
	l, ok := h.links[id]
	delete(h.links, id)
	h.mu.Unlock()
	if ok {
		l.shut()
	}
}

func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.links))
	for id := range h.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Hub) leave(id string, l *Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.links[id] == l {
		delete(h.links, id)
	}
}

func (h *Hub) roll() float64 {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64()
}

func (h *Hub) delay(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return time.Duration(h.rng.Int64N(int64(limit)))
}

func (h *Hub) relay(from string, frame []byte) {
	h.mu.RLock()
	f := h.faults
	var targets []*Link
	if !h.partitioned[from] {
		for id, l := range h.links {
			if id != from && !h.partitioned[id] {
				targets = append(targets, l)
			}
		}
	}
	h.mu.RUnlock()

	for _, l := range targets {
		copies := 1
		if f.DropRate > 0 && h.roll() < f.DropRate {
			copies = 0
		} else if f.DupRate > 0 && h.roll() < f.DupRate {
			copies = 2
		}
		for range copies {
			if d := h.delay(f.MaxDelay); d > 0 {
				time.AfterFunc(d, func() { l.push(frame) })
			} else {
				l.push(frame)
			}
		}
	}
}

// Link is one robot's attachment to a Hub.
type Link struct {
	hub *Hub
	id  string
	in  chan []byte

	mu     sync.Mutex
	closed bool
}

func (l *Link) ID() string { return l.id }

// Send relays a copy of frame to the other links. It never blocks; frames
// for a full inbox are lost, as on a congested network.
func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.hub.relay(l.id, slices.Clone(frame))
	return nil
}

func (l *Link) Frames() <-chan []byte { return l.in }

func (l *Link) Close() error {
	l.hub.leave(l.id, l)
	l.shut()
	return nil
}

func (l *Link) shut() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.in)
}

func (l *Link) push(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.in <- frame:
	default:
	}
}
