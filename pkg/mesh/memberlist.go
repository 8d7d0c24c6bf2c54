package mesh

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Tracks the mesh's view of its members: one RobotState per robot,
// including the local robot. Mutated only from the coordinator's event loop.

type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

type RobotState struct {
	ID            RobotID     `json:"id"`
	Role          Role        `json:"role"`
	Position      Position    `json:"position"`
	Status        RobotStatus `json:"status"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	Sequence      uint32      `json:"sequence"` // last accepted state sequence
	// Priority is the robot's election priority as learned from its
	// election traffic; 0 until then. The local entry always carries it.
	Priority uint64 `json:"priority"`
}

// Table is the membership table. It is not safe for concurrent use.
type Table struct {
	max     int
	members map[RobotID]*RobotState
}

func NewTable(maxRobots int) *Table {
	return &Table{
		max:     maxRobots,
		members: make(map[RobotID]*RobotState, maxRobots),
	}
}

// Add inserts a follower entry for id with sequence 0 and an unknown
// priority. Adding a robot that
// is already present returns its current entry and no error. When the table
// is full nothing is changed and ErrTooManyMembers is returned.
func (t *Table) Add(id RobotID, now time.Time) (RobotState, error) {
	if strings.TrimSpace(string(id)) == "" {
		return RobotState{}, fmt.Errorf("%w: empty robot id", ErrUnknownRobot)
	}
	if rs, ok := t.members[id]; ok {
		return *rs, nil
	}
	if len(t.members) >= t.max {
		return RobotState{}, fmt.Errorf("%w: %s rejected, table holds %d", ErrTooManyMembers, id, t.max)
	}
	rs := &RobotState{
		ID:            id,
		Role:          RoleFollower,
		Status:        StatusIdle,
		LastHeartbeat: now,
	}
	t.members[id] = rs
	return *rs, nil
}

func (t *Table) Remove(id RobotID) (RobotState, bool) {
	rs, ok := t.members[id]
	if !ok {
		return RobotState{}, false
	}
	delete(t.members, id)
	return *rs, true
}

func (t *Table) Get(id RobotID) (RobotState, bool) {
	rs, ok := t.members[id]
	if !ok {
		return RobotState{}, false
	}
	return *rs, true
}

func (t *Table) Contains(id RobotID) bool {
	_, ok := t.members[id]
	return ok
}

// Update applies fn to id's entry in place.
func (t *Table) Update(id RobotID, fn func(*RobotState)) bool {
	rs, ok := t.members[id]
	if !ok {
		return false
	}
	fn(rs)
	return true
}

// List returns a snapshot of every entry ordered by id.
func (t *Table) List() []RobotState {
	out := make([]RobotState, 0, len(t.members))
	for _, rs := range t.members {
		out = append(out, *rs)
	}
	slices.SortFunc(out, func(a, b RobotState) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, string(id))
	}
	slices.Sort(ids)
	return ids
}

func (t *Table) Len() int { return len(t.members) }

func (t *Table) Cap() int { return t.max }

// Leader returns the entry currently marked leader, if any.
func (t *Table) Leader() (RobotState, bool) {
	for _, rs := range t.members {
		if rs.Role == RoleLeader {
			return *rs, true
		}
	}
	return RobotState{}, false
}

// SetLeader marks id as leader and every other entry as follower. An empty
// id demotes everyone.
func (t *Table) SetLeader(id RobotID) {
	for mid, rs := range t.members {
		if mid == id {
			rs.Role = RoleLeader
		} else {
			rs.Role = RoleFollower
		}
	}
}

func (t *Table) Clear() {
	clear(t.members)
}
