package node

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/internal/telemetry"
	"github.com/ryandielhenn/robomesh/pkg/mesh"
)

// Coordinator is the part of *mesh.Coordinator the HTTP surface uses.
type Coordinator interface {
	ID() mesh.RobotID
	LocalState() mesh.RobotState
	Leader() (mesh.RobotState, bool)
	IsLeader() bool
	ConnectedRobots() []mesh.RobotState
	UpdateLocalPosition(mesh.Position) error
	UpdateLocalStatus(mesh.RobotStatus) error
	SendCoordinatedCommand(commandType string, params []float64) error
	SendCommandTo(targets []mesh.RobotID, commandType string, params []float64) error
	AssignCommand(key, commandType string, params []float64) (mesh.RobotID, error)
}

// Node exposes one robot's coordinator over HTTP for the application layer
// and operators.
type Node struct {
	coord Coordinator
	addr  string
	log   *zap.Logger
}

func NewNode(c Coordinator, addr string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{coord: c, addr: addr, log: log}
}

func (n *Node) Addr() string {
	return n.addr
}

// Routes registers every endpoint, each instrumented under its own op label.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}
	handle("GET /healthz", "healthz", n.Healthz)
	handle("GET /info", "info", n.Info)
	handle("GET /robots", "robots", n.Robots)
	handle("GET /leader", "leader", n.Leader)
	handle("PUT /position", "position", n.Position)
	handle("PUT /status", "status", n.Status)
	handle("POST /command", "command", n.Command)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}
