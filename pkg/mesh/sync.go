package mesh

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/robomesh/internal/telemetry"
)

// broadcastState publishes the local position and status. It runs every
// SyncInterval whether or not anything changed, so a lost update is
// superseded by the next one.
func (n *node) broadcastState(now time.Time) {
	if !n.connected {
		return
	}
	n.send(now, StatePayload{Position: n.position, Status: n.status})
}

// applyState merges a peer's state if seq is newer than the last one
// accepted from that peer. Stale and duplicate updates are dropped silently.
func (n *node) applyState(from RobotID, seq uint32, p StatePayload, now time.Time) bool {
	var (
		accepted bool
		snap     RobotState
	)
	n.table.Update(from, func(rs *RobotState) {
		if seq <= rs.Sequence {
			return
		}
		rs.Position = p.Position
		rs.Status = p.Status
		rs.Sequence = seq
		if now.After(rs.LastHeartbeat) {
			rs.LastHeartbeat = now
		}
		accepted = true
		snap = *rs
	})
	if !accepted {
		telemetry.StaleDrops.Inc()
		return false
	}
	n.emit(EventStateSynced, snap, nil, now)
	return true
}

func (n *node) setPosition(p Position) error {
	if !p.Valid() {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidPosition, p.X, p.Y)
	}
	n.position = p
	n.table.Update(n.self, func(rs *RobotState) { rs.Position = p })
	return nil
}

func (n *node) setStatus(s RobotStatus) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	n.status = s
	n.table.Update(n.self, func(rs *RobotState) { rs.Status = s })
	return nil
}
