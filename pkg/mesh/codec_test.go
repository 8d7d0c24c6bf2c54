package mesh

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONWireShape(t *testing.T) {
	frame, err := JSONCodec{}.Encode(Message{
		FromRobot: "r1",
		Action:    ActionCommand,
		Payload:   CommandPayload{CommandType: "halt"},
		Timestamp: 1700000000123,
		Sequence:  42,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frame, &raw))
	require.Equal(t, "r1", raw["fromRobot"])
	require.Equal(t, []any{}, raw["toRobots"], "broadcast goes out as []")
	require.Equal(t, "command", raw["action"])
	require.Equal(t, float64(1700000000123), raw["timestamp"])
	require.Equal(t, float64(42), raw["sequence"])
	require.Equal(t, map[string]any{"commandType": "halt", "params": []any{}}, raw["payload"])
}

func TestJSONDecodesReferenceFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  Payload
	}{
		{"heartbeat", `{"fromRobot":"a","toRobots":[],"action":"heartbeat","payload":{},"timestamp":1,"sequence":1}`, HeartbeatPayload{}},
		{"heartbeat without payload", `{"fromRobot":"a","toRobots":[],"action":"heartbeat","timestamp":1,"sequence":1}`, HeartbeatPayload{}},
		{"state", `{"fromRobot":"a","toRobots":[],"action":"state","payload":{"position":{"x":1.5,"y":-2},"status":"moving"},"timestamp":1,"sequence":2}`,
			StatePayload{Position: Position{X: 1.5, Y: -2}, Status: StatusMoving}},
		{"command", `{"fromRobot":"a","toRobots":["b"],"action":"command","payload":{"commandType":"goto","params":[1,2]},"timestamp":1,"sequence":3}`,
			CommandPayload{CommandType: "goto", Params: []float64{1, 2}}},
		{"election", `{"fromRobot":"a","toRobots":[],"action":"election","payload":{"priority":50},"timestamp":1,"sequence":4}`, ElectionPayload{Priority: 50}},
		{"election_ack", `{"fromRobot":"a","toRobots":["b"],"action":"election_ack","payload":{"ackingFor":"b"},"timestamp":1,"sequence":5}`, ElectionAckPayload{AckingFor: "b"}},
		{"election_won", `{"fromRobot":"a","toRobots":[],"action":"election_won","payload":{"id":"a"},"timestamp":1,"sequence":6}`, ElectionWonPayload{ID: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := JSONCodec{}.Decode([]byte(tc.frame))
			require.NoError(t, err)
			require.Equal(t, RobotID("a"), m.FromRobot)
			require.Equal(t, tc.want, m.Payload)
			require.Equal(t, tc.want.Action(), m.Action)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{`,
		"unknown action":    `{"fromRobot":"a","action":"dance","payload":{}}`,
		"missing sender":    `{"action":"heartbeat","payload":{}}`,
		"missing payload":   `{"fromRobot":"a","action":"state"}`,
		"bad status":        `{"fromRobot":"a","action":"state","payload":{"position":{"x":0,"y":0},"status":"flying"}}`,
		"wrong field type":  `{"fromRobot":"a","action":"election","payload":{"priority":"high"}}`,
		"empty command":     `{"fromRobot":"a","action":"command","payload":{"commandType":""}}`,
		"empty recipient":   `{"fromRobot":"a","toRobots":[""],"action":"heartbeat","payload":{}}`,
		"negative sequence": `{"fromRobot":"a","action":"heartbeat","payload":{},"sequence":-1}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(frame))
			require.ErrorIs(t, err, ErrMalformedMessage)
		})
	}

	big := `{"fromRobot":"a","action":"heartbeat","payload":{},"pad":"` + strings.Repeat("x", MaxFrameBytes) + `"}`
	_, err := JSONCodec{}.Decode([]byte(big))
	require.ErrorIs(t, err, ErrMalformedMessage)
	_, err = CBORCodec{}.Decode([]byte(big))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncodeValidates(t *testing.T) {
	_, err := JSONCodec{}.Encode(Message{FromRobot: "a", Action: ActionState, Payload: HeartbeatPayload{}})
	require.ErrorIs(t, err, ErrMalformedMessage)
	_, err = CBORCodec{}.Encode(Message{FromRobot: "a", Action: ActionState,
		Payload: StatePayload{Position: Position{X: nan()}, Status: StatusIdle}})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCodecsAgree(t *testing.T) {
	msgs := []Message{
		{FromRobot: "a", ToRobots: []RobotID{"b", "c"}, Action: ActionCommand,
			Payload: CommandPayload{CommandType: "goto", Params: []float64{3, 4.25}}, Timestamp: 99, Sequence: 7},
		{FromRobot: "b", Action: ActionState,
			Payload: StatePayload{Position: Position{X: -1, Y: 8}, Status: StatusExecuting}, Timestamp: 100, Sequence: 8},
		{FromRobot: "c", Action: ActionElectionWon, Payload: ElectionWonPayload{ID: "c", Priority: 77}, Sequence: 9},
		{FromRobot: "d", Action: ActionHeartbeat, Payload: HeartbeatPayload{}, Sequence: 10},
	}
	for _, c := range []Codec{JSONCodec{}, CBORCodec{}} {
		for _, m := range msgs {
			frame, err := c.Encode(m)
			require.NoError(t, err, c.Name())
			got, err := c.Decode(frame)
			require.NoError(t, err, c.Name())
			require.Equal(t, m, got, c.Name())
		}
	}
}

func TestCBORIsDeterministicAndCompact(t *testing.T) {
	m := Message{FromRobot: "a", Action: ActionState,
		Payload: StatePayload{Position: Position{X: 1, Y: 2}, Status: StatusIdle}, Timestamp: 5, Sequence: 1}
	f1, err := CBORCodec{}.Encode(m)
	require.NoError(t, err)
	f2, err := CBORCodec{}.Encode(m)
	require.NoError(t, err)
	require.Equal(t, f1, f2)

	j, err := JSONCodec{}.Encode(m)
	require.NoError(t, err)
	require.Less(t, len(f1), len(j))

	_, err = CBORCodec{}.Decode(j)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	require.Equal(t, "json", c.Name())
	c, err = CodecByName("cbor")
	require.NoError(t, err)
	require.Equal(t, "cbor", c.Name())
	_, err = CodecByName("xml")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
