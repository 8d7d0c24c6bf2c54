package mesh

// Transport carries encoded frames between robots. Implementations live in
// pkg/transport: an in-process hub for tests and simulation, and UDP.
//
// A transport may drop, duplicate or reorder frames; it must not split or
// merge them. Send is fire and forget and must not block on the network.
type Transport interface {
	// Send delivers one frame to every reachable peer.
	Send(frame []byte) error
	// Frames yields inbound frames. It is closed when the link drops.
	Frames() <-chan []byte
	Close() error
}
