package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

// HashRing spreads task keys over the robots currently in the mesh. Each
// robot owns `replicas` virtual points so that losing one robot only moves
// the keys that robot owned.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> robotID
	members  map[string]struct{}
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 64
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		members:  make(map[string]struct{}),
	}
}

func (r *HashRing) Add(robotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[robotID]; ok {
		return
	}
	r.members[robotID] = struct{}{}
	r.addPointsLocked(robotID)
	slices.Sort(r.points)
}

func (r *HashRing) Remove(robotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[robotID]; !ok {
		return
	}
	delete(r.members, robotID)
	r.rebuildLocked()
}

// Reset replaces the member set in one step. The coordinator calls it with
// the membership table's ids whenever the table changes.
func (r *HashRing) Reset(robotIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	for _, id := range robotIDs {
		r.members[id] = struct{}{}
	}
	r.rebuildLocked()
}

// Lookup returns the robot owning key, or "" for an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	idx := r.searchLocked(r.hash(key))
	return r.owners[r.points[idx]]
}

// LookupN walks the ring clockwise from key and returns up to n distinct robots.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.searchLocked(r.hash(key))

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		id := r.owners[p]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Members returns a sorted copy of the robot ids on the ring.
func (r *HashRing) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// first point >= h, wrapping to 0
func (r *HashRing) searchLocked(h uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) rebuildLocked() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.members {
		r.addPointsLocked(id)
	}
	slices.Sort(r.points)
}

func (r *HashRing) addPointsLocked(robotID string) {
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(robotID, i))
		r.owners[pt] = robotID
		r.points = append(r.points, pt)
	}
}

// FNV32a is the default hasher. Election priorities are derived from it too,
// so every robot computes the same ordering without coordination.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(robotID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(robotID), buf[:]...)
}
