package mesh

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	// EventRobotDiscovered fires the first time this process sees a robot.
	EventRobotDiscovered EventType = "robot_discovered"
	// EventRobotConnected fires whenever a robot enters the table, rejoins included.
	EventRobotConnected    EventType = "robot_connected"
	EventRobotDisconnected EventType = "robot_disconnected"
	EventLeaderElected     EventType = "leader_elected"
	EventStateSynced       EventType = "state_synced"
	// EventMessageReceived carries an inbound command for the application.
	EventMessageReceived EventType = "message_received"
)

// Event is delivered to listeners. Robot is a snapshot of the entry the
// event concerns; Message is set for EventMessageReceived only.
type Event struct {
	Type    EventType
	Robot   RobotState
	Message *Message
	At      time.Time
}

type Listener func(Event)

type ListenerID uint64

// eventBus queues events from the event loop and runs listeners on its own
// goroutine, so a listener may call back into the Coordinator.
type eventBus struct {
	log *zap.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners map[ListenerID]Listener
	queue     []Event
	wake      chan struct{}
}

func newEventBus(log *zap.Logger) *eventBus {
	return &eventBus{
		log:       log,
		listeners: make(map[ListenerID]Listener),
		wake:      make(chan struct{}, 1),
	}
}

func (b *eventBus) subscribe(fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[b.nextID] = fn
	return b.nextID
}

func (b *eventBus) unsubscribe(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.listeners[id]
	delete(b.listeners, id)
	return ok
}

// publish never blocks.
func (b *eventBus) publish(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, evs...)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *eventBus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.queue[0]
			b.queue = b.queue[1:]
			ids := make([]ListenerID, 0, len(b.listeners))
			for id := range b.listeners {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			fns := make([]Listener, 0, len(ids))
			for _, id := range ids {
				fns = append(fns, b.listeners[id])
			}
			b.mu.Unlock()

			for _, fn := range fns {
				b.deliver(fn, ev)
			}
		}
	}
}

func (b *eventBus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	fn(ev)
}
