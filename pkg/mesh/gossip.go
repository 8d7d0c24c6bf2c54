package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/robomesh/internal/telemetry"
)

// Coordinator is one robot's membership in the mesh. A single goroutine
// owns all coordination state while connected: inbound frames, timer fires
// and API calls are all funneled into it. Event listeners run on a separate
// goroutine and may call back into the Coordinator.
type Coordinator struct {
	cfg   Config
	codec Codec
	log   *zap.Logger
	bus   *eventBus
	clock func() time.Time

	busCancel context.CancelFunc

	mu     sync.Mutex // guards loop and closed; guards n while loop is nil
	n      *node
	loop   *loop
	closed bool
}

type loop struct {
	tr       Transport
	mailbox  chan func(time.Time)
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopHook func() bool
}

// New validates cfg, filling unset fields with defaults. A nil logger
// disables logging.
func New(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("robot", string(cfg.RobotID)))

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		codec:     cfg.Codec,
		log:       logger,
		bus:       newEventBus(logger),
		clock:     time.Now,
		busCancel: cancel,
		n:         newNode(cfg, logger),
	}
	go c.bus.run(ctx)
	return c, nil
}

func (c *Coordinator) ID() RobotID { return c.cfg.RobotID }

func (c *Coordinator) Config() Config { return c.cfg }

// Connect joins the mesh over tr and starts the timers. Cancelling ctx has
// the same effect as Disconnect.
func (c *Coordinator) Connect(ctx context.Context, tr Transport) error {
	if tr == nil {
		return errors.New("mesh: nil transport")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.loop != nil {
		return ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		tr:      tr,
		mailbox: make(chan func(time.Time)),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	c.loop = l
	c.n.start(c.clock())
	c.log.Info("connected",
		zap.Uint64("priority", c.n.priority),
		zap.String("codec", c.codec.Name()),
	)
	go c.run(lctx, l)

	l.stopHook = context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.loop == l {
			c.teardownLocked()
		}
	})
	return nil
}

// Disconnect stops the timers, closes the transport and clears the table.
// It is safe to call at any time and more than once.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Coordinator) teardownLocked() {
	l := c.loop
	if l == nil {
		return
	}
	c.loop = nil
	if l.stopHook != nil {
		l.stopHook()
	}
	l.cancel()
	<-l.stopped
	if err := l.tr.Close(); err != nil {
		c.log.Debug("transport close", zap.Error(err))
	}
	c.n.stop()
	_, evs := c.n.drain()
	c.bus.publish(evs...)
	telemetry.Members.DeleteLabelValues(string(c.cfg.RobotID))
	c.log.Info("disconnected")
}

// Close disconnects and stops event delivery. The Coordinator cannot be
// reused afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.teardownLocked()
	c.closed = true
	c.busCancel()
}

func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop != nil
}

func (c *Coordinator) run(ctx context.Context, l *loop) {
	defer close(l.stopped)

	hb := time.NewTicker(c.cfg.HeartbeatInterval)
	defer hb.Stop()
	syncT := time.NewTicker(c.cfg.SyncInterval)
	defer syncT.Stop()
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	deadline := time.NewTimer(time.Hour)
	defer deadline.Stop()

	frames := l.tr.Frames()
	c.flush(l.tr)

	for {
		if next := c.n.nextDeadline(); next.IsZero() {
			deadline.Stop()
		} else {
			deadline.Reset(max(time.Until(next), 0))
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-l.mailbox:
			fn(c.clock())
		case frame, ok := <-frames:
			if !ok {
				// Keep the timers running so every peer ages out.
				c.log.Warn("transport closed its frame stream; peers will time out")
				frames = nil
				continue
			}
			c.receive(frame, c.clock())
		case <-hb.C:
			c.n.heartbeat(c.clock())
		case <-syncT.C:
			c.n.broadcastState(c.clock())
		case <-sweep.C:
			c.n.sweep(c.clock())
		case <-deadline.C:
		}
		c.n.checkTimers(c.clock())
		c.flush(l.tr)
	}
}

func (c *Coordinator) receive(frame []byte, now time.Time) {
	m, err := c.codec.Decode(frame)
	if err != nil {
		telemetry.MalformedFrames.Inc()
		c.log.Warn("dropping malformed frame", zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	telemetry.MessagesReceived.WithLabelValues(string(m.Action)).Inc()
	if err := c.n.handle(m, now); err != nil {
		c.log.Warn("dropping message",
			zap.String("from", string(m.FromRobot)),
			zap.String("action", string(m.Action)),
			zap.Uint32("sequence", m.Sequence),
			zap.Error(err),
		)
	}
}

// flush encodes and sends queued messages, then publishes queued events.
func (c *Coordinator) flush(tr Transport) {
	msgs, evs := c.n.drain()
	for _, m := range msgs {
		frame, err := c.codec.Encode(m)
		if err != nil {
			c.log.Error("encode failed", zap.String("action", string(m.Action)), zap.Error(err))
			continue
		}
		if err := tr.Send(frame); err != nil {
			c.log.Debug("send failed", zap.String("action", string(m.Action)), zap.Error(err))
			continue
		}
		telemetry.MessagesSent.WithLabelValues(string(m.Action)).Inc()
	}
	c.bus.publish(evs...)
	telemetry.Members.WithLabelValues(string(c.cfg.RobotID)).Set(float64(c.n.table.Len()))
}

// do runs fn against the state machine: on the event loop while connected,
// inline under the lock otherwise. Messages queued while disconnected are
// discarded.
func (c *Coordinator) do(fn func(n *node, now time.Time)) {
	for {
		c.mu.Lock()
		l := c.loop
		if l == nil {
			fn(c.n, c.clock())
			_, evs := c.n.drain()
			c.mu.Unlock()
			c.bus.publish(evs...)
			return
		}
		c.mu.Unlock()

		done := make(chan struct{})
		select {
		case l.mailbox <- func(now time.Time) { fn(c.n, now); close(done) }:
			<-done
			return
		case <-l.stopped:
			// Disconnected meanwhile; retry inline.
		}
	}
}

func (c *Coordinator) AddEventListener(fn Listener) ListenerID {
	return c.bus.subscribe(fn)
}

// RemoveEventListener reports whether id was registered.
func (c *Coordinator) RemoveEventListener(id ListenerID) bool {
	return c.bus.unsubscribe(id)
}

func (c *Coordinator) UpdateLocalPosition(p Position) error {
	var err error
	c.do(func(n *node, _ time.Time) { err = n.setPosition(p) })
	return err
}

func (c *Coordinator) UpdateLocalStatus(s RobotStatus) error {
	var err error
	c.do(func(n *node, _ time.Time) { err = n.setStatus(s) })
	return err
}

func (c *Coordinator) LocalState() RobotState {
	var rs RobotState
	c.do(func(n *node, _ time.Time) { rs = n.localState() })
	return rs
}

// Leader returns the current leader's entry, if one is known.
func (c *Coordinator) Leader() (RobotState, bool) {
	var (
		rs RobotState
		ok bool
	)
	c.do(func(n *node, _ time.Time) { rs, ok = n.leader() })
	return rs, ok
}

func (c *Coordinator) IsLeader() bool {
	var ok bool
	c.do(func(n *node, _ time.Time) { ok = n.isLeader() })
	return ok
}

// ConnectedRobots returns every entry in the table, the local robot
// included, ordered by id.
func (c *Coordinator) ConnectedRobots() []RobotState {
	var out []RobotState
	c.do(func(n *node, _ time.Time) { out = n.members() })
	return out
}

// SendCoordinatedCommand broadcasts a command to the mesh. Only the leader
// may send; on any other robot it logs a warning and returns ErrNotLeader.
func (c *Coordinator) SendCoordinatedCommand(commandType string, params []float64) error {
	var err error
	c.do(func(n *node, now time.Time) { err = n.broadcastCommand(now, commandType, params) })
	c.logCommandErr(commandType, err)
	return err
}

// SendCommandTo sends a command to specific robots. Unknown targets are
// skipped and reported with ErrUnknownRobot.
func (c *Coordinator) SendCommandTo(targets []RobotID, commandType string, params []float64) error {
	var err error
	c.do(func(n *node, now time.Time) { err = n.sendCommandTo(now, targets, commandType, params) })
	c.logCommandErr(commandType, err)
	return err
}

// AssignCommand sends a command to the robot that owns key on the
// assignment ring and returns it. The same key maps to the same robot for
// as long as membership is unchanged.
func (c *Coordinator) AssignCommand(key, commandType string, params []float64) (RobotID, error) {
	var (
		owner RobotID
		err   error
	)
	c.do(func(n *node, now time.Time) { owner, err = n.assignCommand(now, key, commandType, params) })
	c.logCommandErr(commandType, err)
	return owner, err
}

func (c *Coordinator) logCommandErr(commandType string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrNotLeader):
		c.log.Warn("command ignored: not the leader", zap.String("command", commandType))
	default:
		c.log.Warn("command not fully delivered", zap.String("command", commandType), zap.Error(err))
	}
}

// AddRobot inserts id into the table ahead of its first message.
func (c *Coordinator) AddRobot(id RobotID) error {
	var err error
	c.do(func(n *node, now time.Time) { err = n.addRobot(id, now) })
	if errors.Is(err, ErrTooManyMembers) {
		c.log.Warn("robot rejected", zap.String("peer", string(id)), zap.Error(err))
	}
	return err
}

// RemoveRobot drops id from the table. Removing the leader starts an
// election. A live robot rejoins on its next message.
func (c *Coordinator) RemoveRobot(id RobotID) error {
	var err error
	c.do(func(n *node, now time.Time) { err = n.removeRobot(id, now) })
	return err
}
