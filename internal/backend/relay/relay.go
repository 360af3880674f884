// Package relay carries push frames between backend instances over Kafka so
// a client subscribed on one instance sees changes made on another.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rentsync/internal/backend/push"
	"rentsync/internal/backend/service"
	"rentsync/pkg/config"
	"rentsync/pkg/kafka"
	kafka_config "rentsync/pkg/kafka/config"
	kafka_middleware "rentsync/pkg/kafka/middleware"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"

	"github.com/google/uuid"
)

const source = "rentsync-backend"

// FrameMessage keys the frame by resource so its events stay ordered.
func FrameMessage(frame model.Frame) (kafka.Message, error) {
	if frame.ResourceID == "" {
		return kafka.Message{}, kafka.ErrEmptyKey
	}
	raw, err := frame.Encode()
	if err != nil {
		return kafka.Message{}, kafka.NewPermanentError("encode frame", err)
	}
	return kafka.NewMessage().
		WithKey(frame.ResourceID).
		WithRawValue(raw).
		WithEventID(frame.EventID).
		WithEventType(frame.Type).
		WithSource(source).
		WithTimestamp(frame.Timestamp).
		Build()
}

func MessageFrame(msg kafka.Message) (model.Frame, error) {
	frame, err := model.DecodeFrame(msg.Value)
	if err != nil {
		return model.Frame{}, kafka.NewPermanentError("deserialization failed", err)
	}
	if frame.ResourceID == "" {
		frame.ResourceID = msg.Key
	}
	return frame, nil
}

// Handler delivers consumed frames to sink.
func Handler(sink service.Publisher) kafka.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		frame, err := MessageFrame(msg)
		if err != nil {
			return err
		}
		if err := sink.Publish(ctx, frame); err != nil {
			if errors.Is(err, push.ErrHubClosed) {
				return nil
			}
			return kafka.NewTransientError("deliver frame", err)
		}
		return nil
	}
}

type Relay struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	metrics  *kafka_middleware.Metrics
	log      *logger.Logger
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New builds the relay. Every instance joins its own consumer group so each
// one receives every frame.
func New(kcfg *kafka_config.Config, cfg *config.Config, sink service.Publisher) (*Relay, error) {
	log := cfg.Log.Component("relay")

	producer, err := kafka.NewProducer(kcfg, cfg.KafkaEventsTopic, cfg.KafkaDLQTopic, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	groupID := cfg.KafkaGroupID + "-" + uuid.NewString()
	consumer, err := kafka.NewConsumer(kcfg, cfg.KafkaEventsTopic, groupID, cfg.KafkaDLQTopic, Handler(sink), cfg.Log)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	metrics := kafka_middleware.NewMetrics()
	producer.Use(metrics.Producer())
	consumer.Use(metrics.Consumer())
	if kcfg.EnableMiddleware {
		producer.Use(kafka_middleware.LoggingProducerMiddleware(log))
		consumer.Use(kafka_middleware.LoggingConsumerMiddleware(log))
	}

	log.Info("Relay configured", "topic", cfg.KafkaEventsTopic, "group_id", groupID)
	return &Relay{
		producer: producer,
		consumer: consumer,
		metrics:  metrics,
		log:      log,
	}, nil
}

// Publish implements service.Publisher.
func (r *Relay) Publish(ctx context.Context, frame model.Frame) error {
	msg, err := FrameMessage(frame)
	if err != nil {
		return err
	}
	return r.producer.Publish(ctx, msg)
}

// Start runs the consumer in the background until Stop.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, kafka.ErrConsumerClosed) {
			r.log.Error("Relay consumer stopped", "error", err)
		}
	}()
}

// Stop ends consumption and flushes the producer.
func (r *Relay) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.consumer.Close(); err != nil {
		r.log.Error("Failed to close relay consumer", "error", err)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("Relay consumer still running at shutdown")
	}

	if err := r.producer.Close(); err != nil {
		r.log.Error("Failed to close relay producer", "error", err)
	}

	s := r.metrics.Snapshot()
	r.log.Info("Relay stopped",
		"published", s.Published,
		"publish_failed", s.PublishFailed,
		"consumed", s.Consumed,
		"consume_failed", s.ConsumeFailed,
	)
}
