// Package notify fans out engine lifecycle signals to attached subscribers.
// Delivery is fire-and-forget: a slow or full subscriber never blocks or
// fails the operation that produced the signal.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignalName identifies a lifecycle notification.
type SignalName string

const (
	ProcessStarted   SignalName = "process:started"
	ProcessCompleted SignalName = "process:completed"
	ProcessFailed    SignalName = "process:failed"
	ProcessPaused    SignalName = "process:paused"
	ProcessResumed   SignalName = "process:resumed"
	ProcessCancelled SignalName = "process:cancelled"

	TaskCreated   SignalName = "task:created"
	TaskCompleted SignalName = "task:completed"
	TaskFailed    SignalName = "task:failed"
	TaskPending   SignalName = "task:pending"

	EventRecorded SignalName = "event:recorded"
	EventWaiting  SignalName = "event:waiting"
	EventThrown   SignalName = "event:thrown"

	CompensationCompleted SignalName = "compensation:completed"
	CompensationFailed    SignalName = "compensation:failed"
	MigrationCompleted    SignalName = "migration:completed"
)

// Signal is one notification emitted by the engine or its services.
type Signal struct {
	Name               SignalName
	ProcessInstanceKey int64
	At                 time.Time
	Data               map[string]any
}

// Subscription is one attached consumer. Signals are delivered on C until
// Unsubscribe is called; signals published while the buffer is full are
// dropped for this subscriber.
type Subscription struct {
	id uuid.UUID
	C  <-chan Signal
	ch chan Signal
}

// Notifier delivers signals to currently-attached subscribers. No queue is
// persisted; a subscriber attached after a signal was published never sees
// it.
type Notifier struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe attaches a consumer with the given channel buffer size.
func (n *Notifier) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Signal, buffer)
	sub := &Subscription{
		id: uuid.New(),
		C:  ch,
		ch: ch,
	}
	n.mu.Lock()
	n.subs[sub.id] = sub
	n.mu.Unlock()
	return sub
}

// SubscribeFunc attaches a consumer backed by a draining goroutine. The
// goroutine exits when the subscription is removed.
func (n *Notifier) SubscribeFunc(fn func(Signal)) *Subscription {
	sub := n.Subscribe(64)
	go func() {
		for s := range sub.C {
			fn(s)
		}
	}()
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	if _, ok := n.subs[sub.id]; ok {
		delete(n.subs, sub.id)
		close(sub.ch)
	}
	n.mu.Unlock()
}

// Publish delivers a signal to every attached subscriber, best effort.
func (n *Notifier) Publish(signal Signal) {
	if signal.At.IsZero() {
		signal.At = time.Now()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs {
		select {
		case sub.ch <- signal:
		default:
			// subscriber buffer full, drop
		}
	}
}
