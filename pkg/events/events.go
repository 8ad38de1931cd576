package events

import (
	"sync"
	"time"
)

// Topics carried by the bus.
const (
	TopicMetrics = "/topic/metrics"
	TopicStats   = "/topic/stats"
)

// Message is one bus payload, tagged with the cluster it describes and the
// owner allowed to see it.
type Message struct {
	Topic     string
	ClusterID string
	OwnerID   string
	Timestamp time.Time
	Payload   any
}

// Subscription is one consumer's view of the bus. Messages are read from C.
//
// Delivery coalesces per (topic, cluster): when a subscriber has not yet
// consumed a message for a given topic and cluster, a newer message for the
// same pair replaces it instead of queueing behind it. Consumers always see
// the freshest value, never a backlog of stale ones.
type Subscription struct {
	topics  map[string]bool
	ownerID string // empty means all owners (admin)

	mu      sync.Mutex
	pending map[pendingKey]*Message
	order   []pendingKey
	notify  chan struct{}
	out     chan *Message
	done    chan struct{}
}

type pendingKey struct {
	topic     string
	clusterID string
}

// C returns the receive channel. Closed on Unsubscribe.
func (s *Subscription) C() <-chan *Message {
	return s.out
}

func (s *Subscription) wants(msg *Message) bool {
	if !s.topics[msg.Topic] {
		return false
	}
	if s.ownerID == "" {
		return true
	}
	return msg.OwnerID == s.ownerID
}

func (s *Subscription) offer(msg *Message) {
	s.mu.Lock()
	key := pendingKey{topic: msg.Topic, clusterID: msg.ClusterID}
	if _, queued := s.pending[key]; !queued {
		s.order = append(s.order, key)
	}
	s.pending[key] = msg
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil
	}
	key := s.order[0]
	s.order = s.order[1:]
	msg := s.pending[key]
	delete(s.pending, key)
	return msg
}

// pump moves coalesced messages to the consumer channel in arrival order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		msg := s.pop()
		if msg == nil {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// Bus distributes metric and stats messages to per-user subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	msgCh       chan *Message
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a bus. Start must be called before publishing.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]bool),
		msgCh:       make(chan *Message, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the distribution loop. Subscriptions stay open until
// unsubscribed.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a consumer for the given topics. An empty ownerID
// subscribes to every owner's messages; a non-empty one filters to that
// owner's clusters.
func (b *Bus) Subscribe(ownerID string, topics ...string) *Subscription {
	sub := &Subscription{
		topics:  make(map[string]bool, len(topics)),
		ownerID: ownerID,
		pending: make(map[pendingKey]*Message),
		notify:  make(chan struct{}, 1),
		out:     make(chan *Message),
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	go sub.pump()

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if !b.subscribers[sub] {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sub)
	b.mu.Unlock()
	close(sub.done)
}

// Publish hands a message to the distribution loop. Non-blocking with
// respect to subscribers; never delivers after Stop.
func (b *Bus) Publish(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.msgCh <- msg:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) run() {
	for {
		select {
		case msg := <-b.msgCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.wants(msg) {
			sub.offer(msg)
		}
	}
}
