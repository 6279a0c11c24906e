package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/pkg/tracing"
)

// ChangeHandler consumes one preference change.
type ChangeHandler interface {
	Analyze(ctx context.Context, change model.PreferenceChange) error
}

// Consumer feeds preference changes from the topic into the impact analyzer.
type Consumer struct {
	topic         string
	handler       ChangeHandler
	consumerGroup sarama.ConsumerGroup
	log           *slog.Logger
	tracer        *tracing.Tracer
	maxBackoff    time.Duration
}

func NewConsumer(topic string, consumerGroup sarama.ConsumerGroup, handler ChangeHandler, log *slog.Logger) *Consumer {
	return &Consumer{
		topic:         topic,
		consumerGroup: consumerGroup,
		handler:       handler,
		log:           log.With("layer", "kafka", "component", "consumer"),
		tracer:        tracing.NewTracer(tracing.GetTracer("kafka-consumer")),
		maxBackoff:    30 * time.Second,
	}
}

// Start blocks until the context is canceled or the consumer group is closed.
func (c *Consumer) Start(ctx context.Context) error {
	defer func() {
		if err := c.consumerGroup.Close(); err != nil {
			c.log.Warn("Failed to close consumer group", slog.Any("error", err))
		}
	}()

	c.log.Info("Kafka consumer started", slog.String("topic", c.topic))

	backoff := time.Second
	for {
		err := c.consumerGroup.Consume(ctx, []string{c.topic}, c)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			c.log.Error("Error consuming messages", slog.Any("error", err))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < c.maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if ctx.Err() != nil {
			c.log.Info("Context cancelled, stopping consumer")
			return ctx.Err()
		}
	}
}

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		c.log.Info("Partition assignment",
			slog.String("topic", topic),
			slog.Any("partitions", partitions),
		)
	}
	return nil
}

func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	c.log.Info("Kafka session cleanup complete")
	return nil
}

// ConsumeClaim marks a message once its change is analyzed. Undecodable
// messages are skipped; failed analyses stay unmarked for redelivery.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if c.handle(session.Context(), message) {
			session.MarkMessage(message, "")
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	ctx = tracing.ExtractTraceContext(ctx, message.Headers)
	ctx, span := c.tracer.StartConsumerSpan(ctx, "PreferenceChange.Consume")
	defer span.End()
	c.tracer.AddKafkaAttributes(span, message.Topic, "consume", message.Partition, message.Offset)

	var change model.PreferenceChange
	if err := json.Unmarshal(message.Value, &change); err != nil {
		c.log.Error("Failed to decode preference change",
			slog.Int64("offset", message.Offset),
			slog.Any("error", err))
		c.tracer.RecordError(span, err)
		return true
	}
	span.SetAttributes(attribute.String(tracing.AttrOwner, change.Owner.String()))

	if err := c.handler.Analyze(ctx, change); err != nil {
		c.tracer.RecordError(span, err)
		if appErr.IsTenantMissing(err) || appErr.IsInvalidInput(err) {
			// redelivery cannot fix a malformed change
			c.log.Error("Dropping unprocessable preference change",
				slog.String("owner", change.Owner.String()),
				slog.Any("error", err))
			return true
		}
		c.log.Error("Impact analysis failed",
			slog.String("owner", change.Owner.String()),
			slog.Any("error", err))
		return false
	}
	return true
}
