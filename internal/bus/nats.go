package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Envelope fields travel as NATS headers; the body is the raw payload so
// non-Go consumers can read fraud events without unwrapping.
const (
	headerMsgID     = nats.MsgIdHdr
	headerTimestamp = "Shiftwatch-Timestamp"
	headerMetaPref  = "Shiftwatch-Meta-"
)

// NATSBus is the pro bus. With a queue group configured, instances share
// shift-change work instead of each re-analyzing every change.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	// handlerCtx is passed to handlers and cancelled on Close.
	handlerCtx context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS. The initial connect is retried in the
// background, so startup does not wait for the server; Ping reports the
// connection state meanwhile.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	if !conn.IsConnected() {
		slog.Warn("NATS not reachable yet, retrying in background", "url", url)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		handlerCtx: ctx,
		cancel:     cancel,
		subs:       make(map[string]*natsSubscription),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("shiftwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS connected",
				"url", nc.ConnectedUrl(),
				"server_id", nc.ConnectedServerId(),
				"queue_group", cfg.NATSQueueGroup,
			)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends payload on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg, err := newMessage(ctx, topic, payload)
	if err != nil {
		return err
	}
	if err := b.conn.PublishMsg(toNATS(msg)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers topic messages to handler on the NATS callback
// goroutine, one at a time per subscription.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, errTopicRequired
	}

	cb := func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(b.handlerCtx, msg); err != nil {
			slog.Error("message handler failed",
				"subject", m.Subject,
				"message_id", msg.ID,
				"request_id", msg.Metadata[MetaRequestID],
				"error", err,
			)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		ns, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		ns, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{id: uuid.NewString(), topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Ping flushes the connection, failing while NATS is unreachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight handlers finish, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	err := b.conn.Drain()
	b.cancel()
	if err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}

func toNATS(msg *domain.Message) *nats.Msg {
	h := nats.Header{}
	h.Set(headerMsgID, msg.ID)
	h.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		h.Set(headerMetaPref+k, v)
	}
	return &nats.Msg{Subject: msg.Topic, Data: msg.Payload, Header: h}
}

// fromNATS rebuilds the envelope. Messages from publishers that set no
// headers still decode, with an empty ID and timestamp.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for k, vs := range m.Header {
		if len(vs) == 0 {
			continue
		}
		switch {
		case k == headerMsgID:
			msg.ID = vs[0]
		case k == headerTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(vs[0], 10, 64)
		default:
			if key, ok := strings.CutPrefix(k, headerMetaPref); ok {
				msg.Metadata[key] = vs[0]
			}
		}
	}
	return msg
}
