package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/pkg/mesh"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, the robot's role and the mesh size.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int          `json:"pid"`
		Now     time.Time    `json:"now"`
		ID      mesh.RobotID `json:"id"`
		Role    mesh.Role    `json:"role"`
		Leader  mesh.RobotID `json:"leader,omitempty"`
		Members int          `json:"members"`
	}
	self := n.coord.LocalState()
	out := resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		ID:      n.coord.ID(),
		Role:    self.Role,
		Members: len(n.coord.ConnectedRobots()),
	}
	if l, ok := n.coord.Leader(); ok {
		out.Leader = l.ID
	}
	writeJSON(w, http.StatusOK, out)
}

// Robots lists the membership table, local robot included.
func (n *Node) Robots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.coord.ConnectedRobots())
}

func (n *Node) Leader(w http.ResponseWriter, _ *http.Request) {
	l, ok := n.coord.Leader()
	if !ok {
		http.Error(w, "no leader elected", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (n *Node) Position(w http.ResponseWriter, r *http.Request) {
	var p mesh.Position
	if err := decodeBody(r, &p); err != nil {
		http.Error(w, "invalid position: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.coord.UpdateLocalPosition(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) Status(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status mesh.RobotStatus `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "invalid status: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.coord.UpdateLocalStatus(body.Status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	CommandType string         `json:"commandType"`
	Params      []float64      `json:"params"`
	To          []mesh.RobotID `json:"to,omitempty"`
	Key         string         `json:"key,omitempty"`
}

// Command issues a command from this robot, which must be the leader. With
// "key" the command goes to the key's owner, with "to" to the listed robots,
// and otherwise to everyone.
func (n *Node) Command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}

	var (
		assigned mesh.RobotID
		err      error
	)
	switch {
	case req.Key != "":
		assigned, err = n.coord.AssignCommand(req.Key, req.CommandType, req.Params)
	case len(req.To) > 0:
		err = n.coord.SendCommandTo(req.To, req.CommandType, req.Params)
	default:
		err = n.coord.SendCoordinatedCommand(req.CommandType, req.Params)
	}

	switch {
	case err == nil:
	case errors.Is(err, mesh.ErrNotLeader):
		type notLeader struct {
			Error  string       `json:"error"`
			Leader mesh.RobotID `json:"leader,omitempty"`
		}
		body := notLeader{Error: err.Error()}
		if l, ok := n.coord.Leader(); ok {
			body.Leader = l.ID
		}
		writeJSON(w, http.StatusConflict, body)
		return
	case errors.Is(err, mesh.ErrUnknownRobot):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, mesh.ErrMalformedMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, mesh.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		n.log.Error("command failed", zap.String("command", req.CommandType), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type accepted struct {
		CommandType string       `json:"commandType"`
		AssignedTo  mesh.RobotID `json:"assignedTo,omitempty"`
	}
	writeJSON(w, http.StatusAccepted, accepted{CommandType: req.CommandType, AssignedTo: assigned})
}
