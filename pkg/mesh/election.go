package mesh

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/internal/telemetry"
)

// Bully election. A robot starts a round when the leader is lost or the
// discovery window closes without one. Lower robots concede to higher ones
// with election_ack; a robot that sees no higher challenger before
// ElectionTimeout promotes itself and broadcasts election_won.

func (n *node) startElection(now time.Time) {
	n.electing = true
	n.electionStart = now
	n.conceded = false
	n.concededAt = time.Time{}
	n.discoverBy = time.Time{}
	telemetry.ElectionsStarted.Inc()
	n.log.Info("starting election", zap.Uint64("priority", n.priority))
	n.send(now, ElectionPayload{Priority: n.priority})
}

func (n *node) leaderLost(now time.Time) {
	if !n.electing {
		n.startElection(now)
	}
}

// electionDeadline is when the current round resolves locally. A conceded
// robot waits one extra heartbeat interval for the winner's announcement
// before it starts over.
func (n *node) electionDeadline() time.Time {
	if n.conceded {
		return n.concededAt.Add(n.cfg.ElectionTimeout + n.cfg.HeartbeatInterval)
	}
	return n.electionStart.Add(n.cfg.ElectionTimeout)
}

func (n *node) priorityOf(id RobotID) uint64 {
	if id == n.self {
		return n.priority
	}
	if rs, ok := n.table.Get(id); ok && rs.Priority != 0 {
		return rs.Priority
	}
	return PriorityOf(id)
}

func (n *node) onElection(from RobotID, p ElectionPayload, now time.Time) {
	n.table.Update(from, func(rs *RobotState) {
		rs.Priority = p.Priority
		if now.After(rs.LastHeartbeat) {
			rs.LastHeartbeat = now
		}
	})

	if outranks(p.Priority, from, n.priority, n.self) {
		n.send(now, ElectionAckPayload{AckingFor: from}, from)
		n.concede(from, now)
		return
	}

	// The challenger is lower. Make sure it hears from us.
	switch {
	case n.isLeader():
		n.announce(now, from)
	case n.electing:
		n.send(now, ElectionPayload{Priority: n.priority}, from)
	default:
		if _, ok := n.table.Leader(); !ok {
			n.startElection(now)
		}
	}
}

func (n *node) onElectionAck(from RobotID, p ElectionAckPayload, now time.Time) {
	n.touch(from, now)
	if p.AckingFor == n.self {
		return
	}
	if outranks(n.priorityOf(p.AckingFor), p.AckingFor, n.priority, n.self) {
		n.concede(p.AckingFor, now)
	}
}

// concede gives up the current round to a higher robot. A leader that
// concedes steps down at once.
func (n *node) concede(to RobotID, now time.Time) {
	if n.isLeader() {
		n.log.Warn("stepping down for higher robot", zap.String("peer", string(to)))
		n.table.Update(n.self, func(rs *RobotState) { rs.Role = RoleFollower })
	}
	if !n.electing {
		n.electing = true
		n.electionStart = now
	}
	if !n.conceded {
		n.conceded = true
		n.concededAt = now
	}
	n.discoverBy = time.Time{}
}

func (n *node) onElectionWon(from RobotID, p ElectionWonPayload, now time.Time) error {
	n.touch(from, now)
	winner := p.ID
	if winner == n.self {
		return nil
	}
	if !n.table.Contains(winner) {
		if _, err := n.discover(winner, now); err != nil {
			return err
		}
	}
	if p.Priority != 0 {
		n.table.Update(winner, func(rs *RobotState) { rs.Priority = p.Priority })
	}

	// Two leaders meet, e.g. after a partition heals: the higher one
	// re-asserts and the lower one adopts it on receipt.
	if n.isLeader() && outranks(n.priority, n.self, n.priorityOf(winner), winner) {
		n.announce(now)
		return nil
	}
	n.adoptLeader(winner, now)
	return nil
}

func (n *node) adoptLeader(id RobotID, now time.Time) {
	prev, had := n.table.Leader()
	n.table.SetLeader(id)
	n.electing = false
	n.conceded = false
	n.discoverBy = time.Time{}
	if had && prev.ID == id {
		return
	}
	telemetry.LeaderChanges.Inc()
	rs, _ := n.table.Get(id)
	n.log.Info("leader elected", zap.String("leader", string(id)))
	n.emit(EventLeaderElected, rs, nil, now)
}

func (n *node) promote(now time.Time) {
	n.log.Info("no higher challenger, taking leadership")
	n.adoptLeader(n.self, now)
	n.announce(now)
}

// announce sends election_won naming the local robot, broadcast unless
// recipients are given.
func (n *node) announce(now time.Time, to ...RobotID) {
	n.send(now, ElectionWonPayload{ID: n.self, Priority: n.priority}, to...)
}
