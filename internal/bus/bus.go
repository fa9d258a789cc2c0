// Package bus carries shift-change and fraud-event notifications between
// the API, the worker and external consumers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

var (
	errTopicRequired = errors.New("topic is required")
	errClosed        = errors.New("bus is closed")
)

// New creates the event bus selected by cfg.Type: "channel" or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Metadata keys set by shiftwatch publishers.
const (
	MetaRequestID = "request_id"
	MetaActor     = "actor"
)

type metadataKey struct{}

// WithMetadata returns a context whose published messages carry key=value
// in their metadata. Existing keys from ctx are kept.
func WithMetadata(ctx context.Context, key, value string) context.Context {
	md := maps.Clone(metadataFrom(ctx))
	if md == nil {
		md = make(map[string]string, 1)
	}
	md[key] = value
	return context.WithValue(ctx, metadataKey{}, md)
}

func metadataFrom(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	return md
}

// newMessage builds the envelope both bus implementations deliver.
func newMessage(ctx context.Context, topic string, payload []byte) (*domain.Message, error) {
	if topic == "" {
		return nil, errTopicRequired
	}
	md := maps.Clone(metadataFrom(ctx))
	if md == nil {
		md = make(map[string]string)
	}
	return &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}, nil
}
