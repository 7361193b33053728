// Package bus is the JetStream gateway for the anomaly pipeline.
//
// Delivery is at-least-once: consumers ack only after their persistent
// effect (publish downstream, store commit, execution record). Redelivered
// messages are absorbed by the tracking-ID dedup key in the shared cache.
//
// Poison-pill handling follows the platform convention: structurally invalid
// messages (bad JSON, schema violations) are Term()'d so they are never
// redelivered; transient failures Nak() so the message requeues with
// back-off.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/cache"
	"github.com/maristack/pelorus/pkg/logger"
)

// ErrDrop tells the subscription wrapper to terminate the message instead of
// requeueing it. Handlers wrap parse and schema failures with it.
var ErrDrop = errors.New("drop message")

// Handler processes one decoded message payload.
type Handler func(ctx context.Context, data []byte) error

// Bus is the gateway surface pipeline components consume. *Gateway is the
// production implementation; tests substitute fakes.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic, consumer string, handler Handler) (*nats.Subscription, error)
	Seen(ctx context.Context, topic, trackingID string) bool
	Unsee(ctx context.Context, topic, trackingID string)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Gateway wraps a JetStream connection with JSON publish, durable queue
// subscriptions and tracking-ID dedup.
type Gateway struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	cache    cache.Valkey
	logger   logger.Logger
	stream   string
	durable  string
	ackWait  time.Duration
	dedupTTL time.Duration
}

func NewGateway(cfg config.BusConfig, c cache.Valkey, log logger.Logger, dedupTTL time.Duration) (*Gateway, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pelorus-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	g := &Gateway{
		nc:       nc,
		js:       js,
		cache:    c,
		logger:   log,
		stream:   cfg.Stream,
		durable:  cfg.DurableTag,
		ackWait:  time.Duration(cfg.AckWaitSeconds) * time.Second,
		dedupTTL: dedupTTL,
	}

	if err := g.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return g, nil
}

// ensureStream creates the pipeline stream when it does not exist yet.
// Stream parameters are owned by the deployment; an existing stream is used
// as-is.
func (g *Gateway) ensureStream() error {
	_, err := g.js.StreamInfo(g.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", g.stream, err)
	}

	_, err = g.js.AddStream(&nats.StreamConfig{
		Name:      g.stream,
		Subjects:  AllTopics,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", g.stream, err)
	}
	g.logger.Info("JetStream stream created", "stream", g.stream, "subjects", len(AllTopics))
	return nil
}

// Publish sends v as JSON on the topic.
func (g *Gateway) Publish(ctx context.Context, topic string, data []byte) error {
	_, err := g.js.Publish(topic, data, nats.Context(ctx))
	if err != nil {
		monitoring.RecordBusMessage(topic, "publish", "error")
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	monitoring.RecordBusMessage(topic, "publish", "success")
	return nil
}

// Subscribe attaches a durable queue consumer to the topic. All replicas
// sharing the consumer name compete for messages. The handler's error
// decides the ack: nil acks, ErrDrop terminates, anything else naks for
// redelivery.
func (g *Gateway) Subscribe(ctx context.Context, topic, consumer string, handler Handler) (*nats.Subscription, error) {
	durable := g.durable + "-" + strings.ReplaceAll(consumer, ".", "-")
	tracer := otel.Tracer("pelorus-bus")

	sub, err := g.js.QueueSubscribe(topic, durable, func(msg *nats.Msg) {
		msgCtx, span := tracer.Start(ctx, "consume "+topic,
			trace.WithAttributes(attribute.String("messaging.destination", topic)))
		defer span.End()

		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Handler panic; message will redeliver", "topic", topic, "panic", r)
				monitoring.RecordEventDropped(consumer, "panic")
				_ = msg.Nak()
			}
		}()

		err := handler(msgCtx, msg.Data)
		switch {
		case err == nil:
			monitoring.RecordBusMessage(topic, "consume", "success")
			_ = msg.Ack()
		case errors.Is(err, ErrDrop):
			monitoring.RecordBusMessage(topic, "consume", "dropped")
			g.logger.Warn("Dropping poison message", "topic", topic, "error", err, "sample", sample(msg.Data))
			_ = msg.Term()
		default:
			monitoring.RecordBusMessage(topic, "consume", "error")
			g.logger.Error("Handler failed; message will redeliver", "topic", topic, "error", err)
			_ = msg.Nak()
		}
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(g.ackWait),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	g.logger.Info("Bus subscription started", "topic", topic, "durable", durable)
	return sub, nil
}

// Seen marks topic+trackingID as processed and reports whether it was seen
// before. First writer wins; redeliveries and replays observe true.
func (g *Gateway) Seen(ctx context.Context, topic, trackingID string) bool {
	if trackingID == "" {
		return false
	}
	key := fmt.Sprintf("dedup:%s:%s", topic, trackingID)
	fresh, err := g.cache.SetNX(ctx, key, "1", g.dedupTTL)
	if err != nil {
		// Cache outage must not stall the pipeline; fall back to processing.
		g.logger.Warn("Dedup check failed; processing anyway", "topic", topic, "error", err)
		return false
	}
	return !fresh
}

// Unsee releases a dedup key so a redelivery can retry after a failed
// downstream effect.
func (g *Gateway) Unsee(ctx context.Context, topic, trackingID string) {
	if trackingID == "" {
		return
	}
	key := fmt.Sprintf("dedup:%s:%s", topic, trackingID)
	if err := g.cache.Delete(ctx, key); err != nil {
		g.logger.Warn("Failed to release dedup key", "topic", topic, "error", err)
	}
}

// HealthCheck reports the NATS connection state.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	if !g.nc.IsConnected() {
		return errors.New("NATS connection down")
	}
	return nil
}

// Close drains the connection, letting in-flight handlers finish.
func (g *Gateway) Close() error {
	return g.nc.Drain()
}

// sample returns a bounded prefix of a payload for poison-pill logging.
func sample(data []byte) string {
	const limit = 256
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "…"
}
