package events

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fpv-tools/racetimer/store"
)

// subscriptionBuffer bounds each subscriber's delivery queue. A subscriber
// that falls this far behind starts losing non-INSTANT events.
const subscriptionBuffer = 256

// Message is what subscribers receive: the descriptor, a per-publish UUID,
// and the publisher's payload.
type Message struct {
	Descriptor *Descriptor
	ID         uuid.UUID
	Data       any
}

// Handler consumes a dispatched message. A returned error is logged and
// never propagated to the publisher; other subscribers are unaffected.
type Handler func(Message) error

type delivery struct {
	msg Message
	// started is non-nil for INSTANT deliveries; the worker closes it the
	// moment it picks the message up, before invoking the handler.
	started chan struct{}
}

// Subscription is the handle returned by Subscribe, usable for Unsubscribe.
// Each subscription runs its handler on a dedicated worker goroutine, so a
// single subscriber always observes events in dispatch order.
type Subscription struct {
	mu      sync.Mutex
	handler Handler
	perms   map[store.Permission]bool
	closed  bool

	ch   chan delivery
	done chan struct{}
	log  zerolog.Logger
}

// SetPermissions replaces the subscription's authorized permission set.
// Used by the websocket adapter when it observes a permissions_update.
func (s *Subscription) SetPermissions(perms map[store.Permission]bool) {
	s.mu.Lock()
	s.perms = perms
	s.mu.Unlock()
}

// authorized reports whether the subscription is live and may receive msg.
func (s *Subscription) authorized(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.perms[msg.Descriptor.Permission]
}

// worker drains the delivery queue, running the handler serially.
func (s *Subscription) worker() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.ch:
			if d.started != nil {
				close(d.started)
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				continue
			}
			s.invoke(d.msg)
		}
	}
}

func (s *Subscription) invoke(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", msg.Descriptor.ID).Any("panic", r).
				Msg("subscriber handler panicked")
		}
	}()
	if err := s.handler(msg); err != nil {
		s.log.Warn().Err(err).Str("event", msg.Descriptor.ID).
			Msg("subscriber handler failed")
	}
}

// ---- priority queue ----

type queued struct {
	msg Message
	seq uint64 // FIFO tiebreak within a priority level
}

type eventHeap []queued

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].msg.Descriptor.Priority != h[j].msg.Descriptor.Priority {
		return h[i].msg.Descriptor.Priority < h[j].msg.Descriptor.Priority
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ---- bus ----

// Bus distributes published events to subscribers, filtered per subscriber
// by the descriptor's required permission.
//
// Non-INSTANT publishes enqueue onto a priority queue drained by a single
// dispatcher goroutine; Publish does not block. INSTANT publishes bypass
// the queue and return only after every currently-registered, authorized
// subscriber has begun handling the message.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   eventHeap
	seq     uint64
	subs    map[*Subscription]struct{}
	closed  bool
	drained chan struct{}
	log     zerolog.Logger
}

// NewBus creates a Bus and starts its dispatcher.
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		subs:    make(map[*Subscription]struct{}),
		drained: make(chan struct{}),
		log:     log,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler authorized for the given permissions.
func (b *Bus) Subscribe(perms map[store.Permission]bool, handler Handler) *Subscription {
	sub := &Subscription{
		handler: handler,
		perms:   perms,
		ch:      make(chan delivery, subscriptionBuffer),
		done:    make(chan struct{}),
		log:     b.log,
	}
	go sub.worker()

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription. After it returns no further
// dispatches reach the handler; a handler already running is not
// interrupted.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.done)
	}
	sub.mu.Unlock()
}

// Publish sends data to all authorized subscribers. For INSTANT
// descriptors it returns after every subscriber has begun handling the
// message; otherwise it enqueues and returns immediately.
func (b *Bus) Publish(desc *Descriptor, data any) {
	b.PublishWithID(desc, data, uuid.New())
}

// PublishWithID is Publish with a caller-assigned message UUID.
func (b *Bus) PublishWithID(desc *Descriptor, data any, id uuid.UUID) {
	msg := Message{Descriptor: desc, ID: id, Data: data}

	if desc.Priority == PriorityInstant {
		b.deliver(msg, true)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn().Str("event", desc.ID).Msg("publish on closed bus dropped")
		return
	}
	b.seq++
	heap.Push(&b.queue, queued{msg: msg, seq: b.seq})
	b.mu.Unlock()
	b.cond.Signal()
}

// deliver fans msg out to a snapshot of the current subscribers. When wait
// is set, delivery blocks on each subscriber's queue and the call returns
// only after every recipient worker has picked the message up.
func (b *Bus) deliver(msg Message, wait bool) {
	b.mu.Lock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	type pending struct {
		started <-chan struct{}
		gone    <-chan struct{}
	}
	var waits []pending
	for _, sub := range snapshot {
		if !sub.authorized(msg) {
			continue
		}
		if wait {
			d := delivery{msg: msg, started: make(chan struct{})}
			select {
			case sub.ch <- d:
				waits = append(waits, pending{started: d.started, gone: sub.done})
			case <-sub.done:
				// Subscriber went away mid-publish.
			}
			continue
		}
		select {
		case sub.ch <- delivery{msg: msg}:
		default:
			b.log.Warn().Str("event", msg.Descriptor.ID).
				Msg("subscriber queue full; event dropped")
		}
	}

	for _, p := range waits {
		select {
		case <-p.started:
		case <-p.gone:
			// Unsubscribed before the worker reached the message.
		}
	}
}

func (b *Bus) dispatchLoop() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			close(b.drained)
			return
		}
		item := heap.Pop(&b.queue).(queued)
		b.mu.Unlock()

		b.deliver(item.msg, false)
	}
}

// Close drains the queue and stops the dispatcher. Publishes after Close
// are dropped with a warning.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.drained
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cond.Signal()
	<-b.drained
}
