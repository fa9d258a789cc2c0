package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/shiftwatch/internal/domain"
	"github.com/opensource-finance/shiftwatch/internal/metrics"
)

// ChannelBus is the in-process community bus. Each subscriber owns a
// buffered queue drained by one goroutine, so a subscriber sees messages
// in publish order.
type ChannelBus struct {
	mu      sync.RWMutex
	topics  map[string]map[string]*channelSubscription
	buffer  int
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	queue   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a bus with the given per-subscriber buffer.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		topics: make(map[string]map[string]*channelSubscription),
		buffer: bufferSize,
	}
}

// Publish enqueues the message for every subscriber of the topic without
// blocking. A subscriber whose queue is full misses the message; shift
// analysis recovers on the next sweep.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg, err := newMessage(ctx, topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}

	for _, sub := range b.topics[topic] {
		select {
		case sub.queue <- msg:
		default:
			b.dropped.Add(1)
			metrics.ObserveBusDrop(topic)
			slog.Warn("subscriber queue full, message dropped",
				"topic", topic,
				"message_id", msg.ID,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe starts delivering topic messages to handler until the
// subscription, ctx or the bus ends.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, errTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		queue:   make(chan *domain.Message, b.buffer),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*channelSubscription)
	}
	b.topics[topic][sub.id] = sub

	b.wg.Add(1)
	go sub.run(&b.wg)
	return sub, nil
}

func (s *channelSubscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("message handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"request_id", msg.Metadata[MetaRequestID],
					"error", err,
				)
			}
		}
	}
}

// Dropped returns the number of messages lost to full subscriber queues.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	return nil
}

// Close cancels every subscription and waits for running handlers.
// Queued messages that were not yet handled are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.topics = nil
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Unsubscribe stops delivery. A handler already running finishes.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
