package mesh

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/internal/telemetry"
)

// Heartbeat timeouts. Each robot broadcasts a heartbeat every
// HeartbeatInterval; a sweep every SweepInterval evicts peers silent for
// longer than DisconnectTimeout. Liveness uses the local receive time, so
// clocks need not agree.

func (n *node) heartbeat(now time.Time) {
	n.table.Update(n.self, func(rs *RobotState) { rs.LastHeartbeat = now })
	n.send(now, HeartbeatPayload{})
}

// touch records that from was heard at now. It never looks at sequence
// numbers, so replayed heartbeats are harmless.
func (n *node) touch(from RobotID, now time.Time) {
	n.table.Update(from, func(rs *RobotState) {
		if now.After(rs.LastHeartbeat) {
			rs.LastHeartbeat = now
		}
	})
}

func (n *node) expired(rs RobotState, now time.Time) bool {
	return now.Sub(rs.LastHeartbeat) > n.cfg.DisconnectTimeout
}

// sweep evicts every silent peer and returns the evicted entries.
func (n *node) sweep(now time.Time) []RobotState {
	if !n.connected {
		return nil
	}
	var evicted []RobotState
	for _, rs := range n.table.List() {
		if rs.ID == n.self || !n.expired(rs, now) {
			continue
		}
		n.log.Info("evicting silent robot",
			zap.String("peer", string(rs.ID)),
			zap.Duration("silent_for", now.Sub(rs.LastHeartbeat)),
		)
		if gone, ok := n.removeMember(rs.ID, now); ok {
			telemetry.Evictions.Inc()
			evicted = append(evicted, gone)
		}
	}
	n.replay.Prune(now)
	return evicted
}
