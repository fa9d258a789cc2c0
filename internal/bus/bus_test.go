package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var got domain.ShiftChangedMessage
		var topic string
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicShiftChanged, func(ctx context.Context, msg *domain.Message) error {
			defer wg.Done()
			topic = msg.Topic
			return json.Unmarshal(msg.Payload, &got)
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		payload, _ := json.Marshal(domain.ShiftChangedMessage{ShiftID: "shift-001", Reason: "ride_added"})
		if err := bus.Publish(ctx, domain.TopicShiftChanged, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if got.ShiftID != "shift-001" || got.Reason != "ride_added" {
			t.Errorf("unexpected payload: %+v", got)
		}
		if topic != domain.TopicShiftChanged {
			t.Errorf("expected topic %s, got %s", domain.TopicShiftChanged, topic)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var changed, fraud atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, "isolation.changed", func(ctx context.Context, msg *domain.Message) error {
			changed.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "isolation.fraud", func(ctx context.Context, msg *domain.Message) error {
			fraud.Add(1)
			return nil
		})

		bus.Publish(ctx, "isolation.changed", []byte("msg1"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if changed.Load() != 1 {
			t.Errorf("expected 1 message on changed topic, got %d", changed.Load())
		}
		if fraud.Load() != 0 {
			t.Errorf("expected 0 messages on fraud topic, got %d", fraud.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}
		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error { return nil })
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		bus.mu.RLock()
		remaining := len(bus.topics["unsub.topic"])
		bus.mu.RUnlock()
		if remaining != 0 {
			t.Errorf("expected subscription removed, %d left", remaining)
		}

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg, time.Second)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, domain.TopicFraudEvent, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != domain.TopicFraudEvent {
			t.Errorf("expected topic %s, got %s", domain.TopicFraudEvent, sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	// First message occupies the handler, second fills the buffer.
	bus.Publish(ctx, "slow.topic", []byte("1"))
	<-started
	bus.Publish(ctx, "slow.topic", []byte("2"))
	bus.Publish(ctx, "slow.topic", []byte("3"))

	if got := bus.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
	close(release)
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	var finished atomic.Bool
	started := make(chan struct{})
	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	bus.Publish(ctx, "close.topic", []byte("data"))
	<-started

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("expected Close to wait for the running handler")
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestNATSEnvelope(t *testing.T) {
	ctx := WithMetadata(context.Background(), MetaRequestID, "req-42")
	ctx = WithMetadata(ctx, MetaActor, "admin-1")

	msg, err := newMessage(ctx, domain.TopicFraudEvent, []byte(`{"eventId":"evt-1"}`))
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}

	wire := toNATS(msg)
	if wire.Subject != domain.TopicFraudEvent || string(wire.Data) != `{"eventId":"evt-1"}` {
		t.Errorf("expected raw payload on topic subject, got %s %s", wire.Subject, wire.Data)
	}

	got := fromNATS(wire)
	if got.ID != msg.ID || got.Timestamp != msg.Timestamp || got.Topic != msg.Topic {
		t.Errorf("envelope mismatch: sent %+v, got %+v", msg, got)
	}
	if got.Metadata[MetaRequestID] != "req-42" || got.Metadata[MetaActor] != "admin-1" {
		t.Errorf("expected metadata to survive, got %v", got.Metadata)
	}

	if _, err := newMessage(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestWithMetadata(t *testing.T) {
	parent := WithMetadata(context.Background(), MetaActor, "admin-1")
	child := WithMetadata(parent, MetaRequestID, "req-1")

	if md := metadataFrom(parent); len(md) != 1 {
		t.Errorf("parent metadata must not change, got %v", md)
	}

	bus := NewChannelBus(10)
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got map[string]string
	_, err := bus.Subscribe(context.Background(), domain.TopicShiftChanged, func(ctx context.Context, msg *domain.Message) error {
		defer wg.Done()
		got = msg.Metadata
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := bus.Publish(child, domain.TopicShiftChanged, []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, &wg, time.Second)

	if got[MetaActor] != "admin-1" || got[MetaRequestID] != "req-1" {
		t.Errorf("expected metadata from context, got %v", got)
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, domain.TopicShiftChanged, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, domain.TopicShiftChanged, []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}
