package mesh

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Definitions of the wire protocol: one Message per transport frame.
// Encoding lives in codec.go so the coordinator never touches bytes.

type RobotID string

type Action string

const (
	ActionHeartbeat   Action = "heartbeat"
	ActionState       Action = "state"
	ActionCommand     Action = "command"
	ActionElection    Action = "election"
	ActionElectionAck Action = "election_ack"
	ActionElectionWon Action = "election_won"
)

func (a Action) Valid() bool {
	switch a {
	case ActionHeartbeat, ActionState, ActionCommand, ActionElection, ActionElectionAck, ActionElectionWon:
		return true
	}
	return false
}

// RobotStatus is set only by the owning robot; peers observe it read-only.
type RobotStatus string

const (
	StatusIdle      RobotStatus = "idle"
	StatusMoving    RobotStatus = "moving"
	StatusExecuting RobotStatus = "executing"
)

func (s RobotStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusMoving, StatusExecuting:
		return true
	}
	return false
}

// Position is a local planar coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Position) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Payload is implemented by the action-specific payload structs below.
type Payload interface {
	Action() Action
}

type HeartbeatPayload struct{}

type StatePayload struct {
	Position Position    `json:"position"`
	Status   RobotStatus `json:"status"`
}

type CommandPayload struct {
	CommandType string    `json:"commandType"`
	Params      []float64 `json:"params"`
}

type ElectionPayload struct {
	Priority uint64 `json:"priority"`
}

type ElectionAckPayload struct {
	AckingFor RobotID `json:"ackingFor"`
}

// ElectionWonPayload names the winner. Priority is informational; receivers
// rank the winner from it when the winner is not yet in their table.
type ElectionWonPayload struct {
	ID       RobotID `json:"id"`
	Priority uint64  `json:"priority,omitempty"`
}

func (HeartbeatPayload) Action() Action   { return ActionHeartbeat }
func (StatePayload) Action() Action       { return ActionState }
func (CommandPayload) Action() Action     { return ActionCommand }
func (ElectionPayload) Action() Action    { return ActionElection }
func (ElectionAckPayload) Action() Action { return ActionElectionAck }
func (ElectionWonPayload) Action() Action { return ActionElectionWon }

// Message is the decoded form of one frame. An empty ToRobots means
// broadcast. Timestamp is milliseconds since the Unix epoch on the sender's
// clock; it is informational only, ordering uses Sequence.
type Message struct {
	FromRobot RobotID
	ToRobots  []RobotID
	Action    Action
	Payload   Payload
	Timestamp int64
	Sequence  uint32
}

func (m Message) IsBroadcast() bool {
	return len(m.ToRobots) == 0
}

// AddressedTo reports whether id should process m.
func (m Message) AddressedTo(id RobotID) bool {
	return m.IsBroadcast() || slices.Contains(m.ToRobots, id)
}

func (m Message) Validate() error {
	if strings.TrimSpace(string(m.FromRobot)) == "" {
		return fmt.Errorf("%w: missing fromRobot", ErrMalformedMessage)
	}
	if !m.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, m.Action)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload for %s", ErrMalformedMessage, m.Action)
	}
	if m.Payload.Action() != m.Action {
		return fmt.Errorf("%w: %s payload on %s message", ErrMalformedMessage, m.Payload.Action(), m.Action)
	}
	for i, to := range m.ToRobots {
		if strings.TrimSpace(string(to)) == "" {
			return fmt.Errorf("%w: toRobots[%d] empty", ErrMalformedMessage, i)
		}
	}

	switch p := m.Payload.(type) {
	case StatePayload:
		if !p.Position.Valid() {
			return fmt.Errorf("%w: non-finite position", ErrMalformedMessage)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, p.Status)
		}
	case CommandPayload:
		if strings.TrimSpace(p.CommandType) == "" {
			return fmt.Errorf("%w: missing commandType", ErrMalformedMessage)
		}
	case ElectionAckPayload:
		if strings.TrimSpace(string(p.AckingFor)) == "" {
			return fmt.Errorf("%w: missing ackingFor", ErrMalformedMessage)
		}
	case ElectionWonPayload:
		if strings.TrimSpace(string(p.ID)) == "" {
			return fmt.Errorf("%w: missing winner id", ErrMalformedMessage)
		}
	}
	return nil
}
