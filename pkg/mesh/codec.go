package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameBytes bounds a single encoded message. Coordination frames are a
// few hundred bytes; anything larger is treated as malformed.
const MaxFrameBytes = 64 * 1024

// Codec turns messages into transport frames and back. Decode never returns
// a message that fails Validate.
type Codec interface {
	Name() string
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// CodecByName resolves the names accepted in configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, name)
}

type jsonEnvelope struct {
	FromRobot RobotID         `json:"fromRobot"`
	ToRobots  []RobotID       `json:"toRobots"`
	Action    Action          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint32          `json:"sequence"`
}

// JSONCodec is the reference encoding: one JSON object per frame.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(normalizePayload(m.Payload))
	if err != nil {
		return nil, fmt.Errorf("mesh: encode %s payload: %w", m.Action, err)
	}
	return json.Marshal(jsonEnvelope{
		FromRobot: m.FromRobot,
		ToRobots:  recipients(m.ToRobots),
		Action:    m.Action,
		Payload:   payload,
		Timestamp: m.Timestamp,
		Sequence:  m.Sequence,
	})
}

func (JSONCodec) Decode(frame []byte) (Message, error) {
	if len(frame) > MaxFrameBytes {
		return Message{}, fmt.Errorf("%w: frame of %d bytes", ErrMalformedMessage, len(frame))
	}
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	raw := []byte(env.Payload)
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = nil
	}
	payload, err := decodePayload(env.Action, raw, json.Unmarshal)
	if err != nil {
		return Message{}, err
	}
	return finishDecode(Message{
		FromRobot: env.FromRobot,
		ToRobots:  env.ToRobots,
		Action:    env.Action,
		Payload:   payload,
		Timestamp: env.Timestamp,
		Sequence:  env.Sequence,
	})
}

type cborEnvelope struct {
	FromRobot RobotID         `cbor:"fromRobot"`
	ToRobots  []RobotID       `cbor:"toRobots"`
	Action    Action          `cbor:"action"`
	Payload   cbor.RawMessage `cbor:"payload"`
	Timestamp int64           `cbor:"timestamp"`
	Sequence  uint32          `cbor:"sequence"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same message always yields the same bytes.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mesh: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{MaxArrayElements: 1024, MaxMapPairs: 64}.DecMode()
	if err != nil {
		panic("mesh: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec carries the same fields as JSONCodec in a compact binary form,
// for links where every byte counts.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := cborEnc.Marshal(normalizePayload(m.Payload))
	if err != nil {
		return nil, fmt.Errorf("mesh: encode %s payload: %w", m.Action, err)
	}
	return cborEnc.Marshal(cborEnvelope{
		FromRobot: m.FromRobot,
		ToRobots:  recipients(m.ToRobots),
		Action:    m.Action,
		Payload:   payload,
		Timestamp: m.Timestamp,
		Sequence:  m.Sequence,
	})
}

func (CBORCodec) Decode(frame []byte) (Message, error) {
	if len(frame) > MaxFrameBytes {
		return Message{}, fmt.Errorf("%w: frame of %d bytes", ErrMalformedMessage, len(frame))
	}
	var env cborEnvelope
	if err := cborDec.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	raw := []byte(env.Payload)
	if len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7) { // null / undefined
		raw = nil
	}
	payload, err := decodePayload(env.Action, raw, cborDec.Unmarshal)
	if err != nil {
		return Message{}, err
	}
	return finishDecode(Message{
		FromRobot: env.FromRobot,
		ToRobots:  env.ToRobots,
		Action:    env.Action,
		Payload:   payload,
		Timestamp: env.Timestamp,
		Sequence:  env.Sequence,
	})
}

func decodePayload(action Action, raw []byte, unmarshal func([]byte, any) error) (Payload, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, action)
	}
	if raw == nil {
		if action == ActionHeartbeat {
			return HeartbeatPayload{}, nil
		}
		return nil, fmt.Errorf("%w: missing payload for %s", ErrMalformedMessage, action)
	}

	var (
		p   Payload
		err error
	)
	switch action {
	case ActionHeartbeat:
		var v HeartbeatPayload
		err = unmarshal(raw, &v)
		p = v
	case ActionState:
		var v StatePayload
		err = unmarshal(raw, &v)
		p = v
	case ActionCommand:
		var v CommandPayload
		err = unmarshal(raw, &v)
		p = v
	case ActionElection:
		var v ElectionPayload
		err = unmarshal(raw, &v)
		p = v
	case ActionElectionAck:
		var v ElectionAckPayload
		err = unmarshal(raw, &v)
		p = v
	case ActionElectionWon:
		var v ElectionWonPayload
		err = unmarshal(raw, &v)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, action, err)
	}
	return p, nil
}

func finishDecode(m Message) (Message, error) {
	if len(m.ToRobots) == 0 {
		m.ToRobots = nil
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Empty slices go on the wire as [] rather than null.
func recipients(to []RobotID) []RobotID {
	if to == nil {
		return []RobotID{}
	}
	return to
}

func normalizePayload(p Payload) Payload {
	if c, ok := p.(CommandPayload); ok && c.Params == nil {
		c.Params = []float64{}
		return c
	}
	return p
}
