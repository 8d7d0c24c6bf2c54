package mesh

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/pkg/replay"
	"github.com/ryandielhenn/robomesh/pkg/ring"
)

// node is the coordination state machine of one robot. It does no I/O and
// reads no clock: every entry point takes the current time, and outbound
// messages and events accumulate until the caller drains them. The
// Coordinator drives it from a single goroutine; tests drive it directly.
type node struct {
	cfg      Config
	self     RobotID
	priority uint64
	log      *zap.Logger

	table  *Table
	ring   *ring.HashRing
	replay *replay.Cache
	seen   map[RobotID]struct{} // every robot sighted in this process lifetime

	connected bool
	seq       uint32
	position  Position
	status    RobotStatus

	electing      bool
	electionStart time.Time
	conceded      bool
	concededAt    time.Time
	discoverBy    time.Time // zero once a leader is known or an election ran

	outbox []Message
	events []Event
}

func newNode(cfg Config, log *zap.Logger) *node {
	if log == nil {
		log = zap.NewNop()
	}
	return &node{
		cfg:      cfg,
		self:     cfg.RobotID,
		priority: cfg.priority(),
		log:      log,
		table:    NewTable(cfg.MaxRobots),
		ring:     ring.New(64, ring.FNV32a),
		replay:   replay.New(1024, cfg.ReplayTTL),
		seen:     make(map[RobotID]struct{}),
		status:   StatusIdle,
	}
}

// start joins the mesh: the local entry is created, the discovery window
// opens and a first heartbeat goes out.
func (n *node) start(now time.Time) {
	n.connected = true
	n.table.Clear()
	_, _ = n.table.Add(n.self, now)
	n.table.Update(n.self, func(rs *RobotState) {
		rs.Priority = n.priority
		rs.Position = n.position
		rs.Status = n.status
		rs.Sequence = n.seq
	})
	n.ring.Reset(n.table.IDs())
	n.seen[n.self] = struct{}{}
	n.discoverBy = now.Add(n.cfg.DiscoveryTimeout)
	n.heartbeat(now)
}

// stop leaves the mesh. An election in flight is abandoned.
func (n *node) stop() {
	n.connected = false
	n.table.Clear()
	n.ring.Reset(nil)
	n.replay.Clear()
	n.electing = false
	n.conceded = false
	n.discoverBy = time.Time{}
	n.outbox = nil
}

func (n *node) drain() ([]Message, []Event) {
	msgs, evs := n.outbox, n.events
	n.outbox, n.events = nil, nil
	return msgs, evs
}

// send queues a message stamped with the next sequence number. Every
// outbound message consumes one.
func (n *node) send(now time.Time, p Payload, to ...RobotID) Message {
	n.seq++
	m := Message{
		FromRobot: n.self,
		ToRobots:  to,
		Action:    p.Action(),
		Payload:   p,
		Timestamp: now.UnixMilli(),
		Sequence:  n.seq,
	}
	n.table.Update(n.self, func(rs *RobotState) { rs.Sequence = n.seq })
	n.outbox = append(n.outbox, m)
	return m
}

func (n *node) emit(typ EventType, rs RobotState, m *Message, now time.Time) {
	n.events = append(n.events, Event{Type: typ, Robot: rs, Message: m, At: now})
}

// handle applies one inbound message.
func (n *node) handle(m Message, now time.Time) error {
	if !n.connected || m.FromRobot == n.self || !m.AddressedTo(n.self) {
		return nil
	}
	if !n.table.Contains(m.FromRobot) {
		switch m.Action {
		case ActionState, ActionCommand:
			return fmt.Errorf("%w: %s from %s", ErrUnknownRobot, m.Action, m.FromRobot)
		}
		if _, err := n.discover(m.FromRobot, now); err != nil {
			return err
		}
	}

	switch p := m.Payload.(type) {
	case HeartbeatPayload:
		n.touch(m.FromRobot, now)
	case StatePayload:
		n.applyState(m.FromRobot, m.Sequence, p, now)
	case CommandPayload:
		n.receiveCommand(m, now)
	case ElectionPayload:
		n.onElection(m.FromRobot, p, now)
	case ElectionAckPayload:
		n.onElectionAck(m.FromRobot, p, now)
	case ElectionWonPayload:
		return n.onElectionWon(m.FromRobot, p, now)
	}
	return nil
}

// discover inserts a robot first seen on the wire. A leader announces
// itself to every newcomer so late joiners learn the leader immediately.
func (n *node) discover(id RobotID, now time.Time) (RobotState, error) {
	rs, err := n.table.Add(id, now)
	if err != nil {
		return RobotState{}, err
	}
	n.ring.Add(string(id))
	if _, ok := n.seen[id]; !ok {
		n.seen[id] = struct{}{}
		n.emit(EventRobotDiscovered, rs, nil, now)
	}
	n.emit(EventRobotConnected, rs, nil, now)
	n.log.Info("robot joined", zap.String("peer", string(id)), zap.Int("members", n.table.Len()))
	if n.isLeader() {
		n.announce(now)
	}
	return rs, nil
}

// removeMember drops id from the table. Losing the leader starts an election.
func (n *node) removeMember(id RobotID, now time.Time) (RobotState, bool) {
	rs, ok := n.table.Remove(id)
	if !ok {
		return RobotState{}, false
	}
	n.ring.Remove(string(id))
	n.emit(EventRobotDisconnected, rs, nil, now)
	if rs.Role == RoleLeader {
		n.log.Info("leader lost", zap.String("leader", string(id)))
		n.leaderLost(now)
	}
	return rs, true
}

func (n *node) addRobot(id RobotID, now time.Time) error {
	if !n.connected {
		return ErrNotConnected
	}
	if n.table.Contains(id) {
		return nil
	}
	_, err := n.discover(id, now)
	return err
}

func (n *node) removeRobot(id RobotID, now time.Time) error {
	if !n.connected {
		return ErrNotConnected
	}
	if id == n.self {
		return fmt.Errorf("%w: cannot remove the local robot", ErrUnknownRobot)
	}
	if _, ok := n.removeMember(id, now); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRobot, id)
	}
	return nil
}

func (n *node) isLeader() bool {
	rs, ok := n.table.Get(n.self)
	return ok && rs.Role == RoleLeader
}

func (n *node) leader() (RobotState, bool) {
	return n.table.Leader()
}

// localState is the local robot's view of itself, also while disconnected.
func (n *node) localState() RobotState {
	if rs, ok := n.table.Get(n.self); ok {
		return rs
	}
	return RobotState{
		ID:       n.self,
		Role:     RoleFollower,
		Position: n.position,
		Status:   n.status,
		Sequence: n.seq,
		Priority: n.priority,
	}
}

func (n *node) members() []RobotState {
	return n.table.List()
}

// nextDeadline is the earliest pending discovery or election deadline, or
// the zero time when none is pending.
func (n *node) nextDeadline() time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	consider(n.discoverBy)
	if n.electing {
		consider(n.electionDeadline())
	}
	return next
}

// checkTimers fires every deadline that has passed by now. Each deadline
// fires once; its consequence is final for that occurrence.
func (n *node) checkTimers(now time.Time) {
	if !n.connected {
		return
	}
	if !n.discoverBy.IsZero() && !now.Before(n.discoverBy) {
		n.discoverBy = time.Time{}
		if _, ok := n.table.Leader(); !ok && !n.electing {
			n.log.Info("no leader observed during discovery")
			n.startElection(now)
		}
	}
	if n.electing && !now.Before(n.electionDeadline()) {
		if n.conceded {
			n.log.Info("conceded election went unresolved, starting a new round")
			n.startElection(now)
		} else {
			n.promote(now)
		}
	}
}
