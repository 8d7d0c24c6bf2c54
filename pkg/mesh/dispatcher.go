package mesh

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/robomesh/internal/telemetry"
)

// Leader-only command fan-out. Commands are fire and forget: nothing is
// retried, the next state broadcast reflects whatever the receiver did.

func (n *node) commandPreflight(commandType string) error {
	if !n.connected {
		return ErrNotConnected
	}
	if !n.isLeader() {
		return ErrNotLeader
	}
	if strings.TrimSpace(commandType) == "" {
		return fmt.Errorf("%w: missing commandType", ErrMalformedMessage)
	}
	return nil
}

// broadcastCommand sends a command to every robot.
func (n *node) broadcastCommand(now time.Time, commandType string, params []float64) error {
	if err := n.commandPreflight(commandType); err != nil {
		return err
	}
	n.send(now, CommandPayload{CommandType: commandType, Params: slices.Clone(params)})
	return nil
}

// sendCommandTo addresses a command to targets. Targets missing from the
// table are skipped and reported with ErrUnknownRobot; the rest still get
// the command. A command addressed to the local robot is delivered locally.
func (n *node) sendCommandTo(now time.Time, targets []RobotID, commandType string, params []float64) error {
	if err := n.commandPreflight(commandType); err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrUnknownRobot)
	}

	var (
		known   []RobotID
		unknown []string
		local   bool
	)
	for _, id := range targets {
		switch {
		case id == n.self:
			local = true
		case n.table.Contains(id):
			if !slices.Contains(known, id) {
				known = append(known, id)
			}
		default:
			unknown = append(unknown, string(id))
		}
	}

	var errUnknown error
	if len(unknown) > 0 {
		errUnknown = fmt.Errorf("%w: %s", ErrUnknownRobot, strings.Join(unknown, ", "))
	}
	if len(known) == 0 && !local {
		return errUnknown
	}

	cmd := CommandPayload{CommandType: commandType, Params: slices.Clone(params)}
	if len(known) > 0 {
		n.send(now, cmd, known...)
	}
	if local {
		n.seq++
		m := Message{
			FromRobot: n.self,
			ToRobots:  []RobotID{n.self},
			Action:    ActionCommand,
			Payload:   cmd,
			Timestamp: now.UnixMilli(),
			Sequence:  n.seq,
		}
		n.table.Update(n.self, func(rs *RobotState) { rs.Sequence = n.seq })
		n.emit(EventMessageReceived, n.localState(), &m, now)
	}
	return errUnknown
}

// assignCommand sends the command to the robot owning key on the
// assignment ring and returns that robot.
func (n *node) assignCommand(now time.Time, key, commandType string, params []float64) (RobotID, error) {
	if err := n.commandPreflight(commandType); err != nil {
		return "", err
	}
	owner := RobotID(n.ring.Lookup([]byte(key)))
	if owner == "" {
		return "", fmt.Errorf("%w: empty assignment ring", ErrUnknownRobot)
	}
	if err := n.sendCommandTo(now, []RobotID{owner}, commandType, params); err != nil {
		return "", err
	}
	return owner, nil
}

// receiveCommand hands an inbound command to listeners unless the same
// frame was already seen.
func (n *node) receiveCommand(m Message, now time.Time) {
	n.touch(m.FromRobot, now)
	key := string(m.FromRobot) + "/" + strconv.FormatUint(uint64(m.Sequence), 10) + "/" + strconv.FormatInt(m.Timestamp, 10)
	if n.replay.Observe(key, now) {
		telemetry.DuplicateDrops.Inc()
		return
	}
	rs, _ := n.table.Get(m.FromRobot)
	n.emit(EventMessageReceived, rs, &m, now)
}

