package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/pkg/tracing"
)

// ChangeProducer publishes committed preference changes.
type ChangeProducer interface {
	Start(ctx context.Context)
	PublishPreferenceChange(ctx context.Context, change model.PreferenceChange) error
	Close(ctx context.Context)
}

type producer struct {
	asyncProducer sarama.AsyncProducer
	topic         string
	log           *slog.Logger
	wg            *sync.WaitGroup
	closeOnce     sync.Once
	tracer        *tracing.Tracer
}

// NewSaramaConfig is the shared client configuration of both binaries.
func NewSaramaConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	return sc
}

func NewProducer(asyncProducer sarama.AsyncProducer, topic string, log *slog.Logger, wg *sync.WaitGroup) ChangeProducer {
	if asyncProducer == nil || log == nil || wg == nil {
		panic("NewProducer: nil dependencies provided")
	}
	if topic == "" {
		panic("NewProducer: topic must not be empty")
	}
	return &producer{
		asyncProducer: asyncProducer,
		topic:         topic,
		log:           log.With("layer", "kafka", "component", "producer"),
		wg:            wg,
		tracer:        tracing.NewTracer(tracing.GetTracer("kafka-producer")),
	}
}

// Start launches background handlers for success and error channels
func (p *producer) Start(ctx context.Context) {
	p.log.Info("Starting Kafka producer handlers")
	p.wg.Add(2)
	go p.handleSuccess(ctx)
	go p.handleErrors(ctx)
}

func (p *producer) handleSuccess(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-p.asyncProducer.Successes():
			if !ok {
				p.log.Info("Kafka successes channel closed")
				return
			}
			key, _ := msg.Key.Encode()
			p.log.Debug("Preference change delivered",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("key", string(key)))
		case <-ctx.Done():
			p.log.Info("Kafka success handler stopped by context")
			return
		}
	}
}

func (p *producer) handleErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case err, ok := <-p.asyncProducer.Errors():
			if !ok {
				p.log.Info("Kafka errors channel closed")
				return
			}
			p.log.Error("Preference change delivery failed",
				slog.String("topic", err.Msg.Topic),
				slog.Any("error", err.Err))
		case <-ctx.Done():
			p.log.Info("Kafka error handler stopped by context")
			return
		}
	}
}

// PublishPreferenceChange keys the message by owner so changes to one
// record stay ordered on a partition.
func (p *producer) PublishPreferenceChange(ctx context.Context, change model.PreferenceChange) error {
	key := change.Owner.String()
	ctx, span := p.tracer.StartClientSpan(ctx, "KafkaPublish",
		attribute.String(tracing.AttrOwner, key))
	defer span.End()

	data, err := json.Marshal(change)
	if err != nil {
		p.tracer.RecordError(span, err)
		return fmt.Errorf("failed to marshal preference change: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now(),
		Headers:   tracing.InjectTraceContext(ctx, nil),
	}

	select {
	case p.asyncProducer.Input() <- msg:
		p.log.Info("Preference change queued",
			slog.String("topic", p.topic),
			slog.String("key", key),
			slog.Any("changed_fields", change.ChangedFields()))
		span.SetAttributes(
			attribute.String("kafka.topic", p.topic),
			attribute.String("kafka.key", key),
		)
		return nil
	case <-ctx.Done():
		p.log.Warn("Publish cancelled by context", slog.String("owner", key))
		span.SetStatus(codes.Error, "publish cancelled by context")
		return ctx.Err()
	}
}

// Close shuts down the producer and waits for the handlers
func (p *producer) Close(_ context.Context) {
	p.closeOnce.Do(func() {
		p.log.Info("Closing Kafka producer...")
		p.asyncProducer.AsyncClose()
		p.wg.Wait()
		p.log.Info("Kafka producer closed")
	})
}
