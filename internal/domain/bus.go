package domain

import (
	"context"
)

// EventBus carries shift-change requests to the worker and fraud-event
// notifications to outside consumers. Delivery is at most once.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one delivered message. A returned error is logged
// by the bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus delivers. Metadata carries request
// correlation such as the originating request ID and actor.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription stops delivery when unsubscribed.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus implementation.
type EventBusConfig struct {
	Type string // "channel" or "nats"

	// ChannelBufferSize is the per-subscriber queue length.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
	// NATSQueueGroup makes instances share a topic's messages instead of
	// each receiving every message. Empty means plain fan-out.
	NATSQueueGroup string
}

// Topic names.
const (
	// TopicShiftChanged carries deferred re-analysis requests after ride/expense mutations.
	TopicShiftChanged = "shiftwatch.shift.changed"
	// TopicFraudEvent announces created or materially updated fraud events.
	TopicFraudEvent = "shiftwatch.fraud.event"
)

// ShiftChangedMessage is the payload of TopicShiftChanged.
type ShiftChangedMessage struct {
	ShiftID string `json:"shiftId"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor,omitempty"`
}

// FraudEventMessage is the payload of TopicFraudEvent.
type FraudEventMessage struct {
	EventID   string      `json:"eventId"`
	ShiftID   string      `json:"shiftId"`
	DriverID  string      `json:"driverId"`
	RiskScore float64     `json:"riskScore"`
	RiskLevel RiskLevel   `json:"riskLevel"`
	Status    EventStatus `json:"status"`
	Action    string      `json:"action"`
}
