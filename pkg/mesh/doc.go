// Package mesh implements robot fleet coordination for robomesh: membership,
// heartbeat failure detection, bully leader election, sequence-ordered state
// synchronization and leader-issued commands for meshes of up to four
// robots. It defines an abstract Transport interface and the wire messages
// (heartbeat, state, command, election traffic) exchanged over it.
//
// Typical usage:
//
//	c, _ := mesh.New(mesh.Config{RobotID: "r1"}, logger)
//	_ = c.Connect(ctx, tr)
//	defer c.Close()
//
// Tests and simulations run over the in-process hub in pkg/transport;
// deployments use its UDP transport.
package mesh
