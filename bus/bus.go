// Package bus is the in-process pub/sub backbone between orchestrator
// components. Delivery is fan-out to bounded per-subscriber queues; a slow
// subscriber loses its oldest messages rather than stalling publishers.
// Request/Response layers correlation on top of plain topics.
package bus

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

// Broadcast subscribes to every topic. Publishing to it fans out to
// every subscriber except point-to-point reply queues.
const Broadcast = "*"

// replyPrefix marks the point-to-point topics Request listens on.
const replyPrefix = "reply."

const (
	defaultQueueSize      = 64
	defaultRequestTimeout = 10 * time.Second
)

// Message is one bus delivery.
type Message struct {
	ID            string
	Topic         string
	Source        string
	CorrelationID string
	ReplyTo       string
	Payload       interface{}
	Timestamp     time.Time
}

// Subscription is one subscriber's bounded queue on a topic.
type Subscription struct {
	topic  string
	ch     chan Message
	bus    *Bus
	closed bool
	mu     sync.Mutex

	// Dropped counts messages discarded because the queue was full.
	dropped int64
}

// C returns the delivery channel. It is closed when the subscription or
// the bus closes.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped returns how many messages this subscriber has lost to overflow.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a structured logger.
func WithLogger(l core.Logger) Option {
	return func(b *Bus) { b.logger = core.ComponentLogger(l, "bus") }
}

// WithQueueSize sets the default per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Bus is an in-process topic broker. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription
	closed    bool
	queueSize int
	logger    core.Logger
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string][]*Subscription),
		queueSize: defaultQueueSize,
		logger:    &core.NoOpLogger{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a bounded queue on topic. Use Broadcast to receive
// every message. buffer <= 0 takes the bus default.
func (b *Bus) Subscribe(topic string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = b.queueSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.NewError("bus.Subscribe", "bus", core.ErrSubscriberClosed)
	}
	sub := &Subscription{topic: topic, ch: make(chan Message, buffer), bus: b}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// Publish delivers msg to every subscriber of msg.Topic and every
// Broadcast subscriber; a message published to Broadcast itself reaches
// every subscriber except reply queues. It never blocks: when a
// subscriber's queue is full, the oldest queued message is discarded to
// make room and the overflow is counted against that subscriber.
func (b *Bus) Publish(ctx context.Context, msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var targets []*Subscription
	if msg.Topic == Broadcast {
		for topic, list := range b.subs {
			if strings.HasPrefix(topic, replyPrefix) {
				continue
			}
			targets = append(targets, list...)
		}
	} else {
		targets = make([]*Subscription, 0, len(b.subs[msg.Topic])+len(b.subs[Broadcast]))
		targets = append(targets, b.subs[msg.Topic]...)
		targets = append(targets, b.subs[Broadcast]...)
	}
	b.mu.RUnlock()

	telemetry.Counter("bus.published", "topic", msg.Topic)
	for _, sub := range targets {
		b.deliver(ctx, sub, msg)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, msg Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- msg:
		return
	default:
	}
	// Queue full: drop the oldest, then retry once. Both selects are
	// non-blocking, so a racing consumer can only make this succeed.
	select {
	case <-sub.ch:
		sub.dropped++
		telemetry.Counter("bus.subscriber_overflow", "topic", sub.topic)
		b.logger.WarnWithContext(ctx, "subscriber queue overflow, dropped oldest", map[string]interface{}{
			"topic":   sub.topic,
			"dropped": sub.dropped,
		})
	default:
	}
	select {
	case sub.ch <- msg:
	default:
		sub.dropped++
	}
}

// Request publishes to topic and waits for a correlated reply. Responders
// answer with Respond. Timeout <= 0 takes the bus default; expiry fails
// with ErrTimeout.
func (b *Bus) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	corrID := uuid.New().String()
	replyTopic := replyPrefix + corrID

	replySub, err := b.Subscribe(replyTopic, 1)
	if err != nil {
		return Message{}, err
	}
	defer replySub.Close()

	b.Publish(ctx, Message{
		Topic:         topic,
		CorrelationID: corrID,
		ReplyTo:       replyTopic,
		Payload:       payload,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replySub.C():
		if !ok {
			return Message{}, core.NewError("bus.Request", "bus", core.ErrSubscriberClosed)
		}
		return reply, nil
	case <-timer.C:
		telemetry.Counter("bus.request_timeout", "topic", topic)
		return Message{}, &core.Error{
			Op: "bus.Request", Kind: "bus", ID: corrID,
			Err: core.ErrTimeout,
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// RequestAll publishes to every subscriber via Broadcast and collects the
// correlated replies that arrive before the window closes. The responder
// count is unknown, so the full timeout always elapses; replies are
// returned in arrival order, each carrying its responder's outcome. An
// empty slice after the window is a valid result, not an error.
func (b *Bus) RequestAll(ctx context.Context, payload interface{}, timeout time.Duration) ([]Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	corrID := uuid.New().String()
	replyTopic := replyPrefix + corrID

	replySub, err := b.Subscribe(replyTopic, b.queueSize)
	if err != nil {
		return nil, err
	}
	defer replySub.Close()

	b.Publish(ctx, Message{
		Topic:         Broadcast,
		CorrelationID: corrID,
		ReplyTo:       replyTopic,
		Payload:       payload,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var replies []Message
	for {
		select {
		case reply, ok := <-replySub.C():
			if !ok {
				return replies, core.NewError("bus.RequestAll", "bus", core.ErrSubscriberClosed)
			}
			replies = append(replies, reply)
		case <-timer.C:
			telemetry.Counter("bus.request_all", "replies", strconv.Itoa(len(replies)))
			return replies, nil
		case <-ctx.Done():
			return replies, ctx.Err()
		}
	}
}

// Respond answers a Request message. A message without ReplyTo is not a
// request; responding to it is a no-op.
func (b *Bus) Respond(ctx context.Context, req Message, payload interface{}) {
	if req.ReplyTo == "" {
		return
	}
	b.Publish(ctx, Message{
		Topic:         req.ReplyTo,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	})
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*Subscription)
}
