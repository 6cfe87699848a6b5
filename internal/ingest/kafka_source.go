package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/secureflow/secureflow-ids/internal/model"
)

const kafkaPollTimeout = 200 * time.Millisecond

// Consumer is the part of a Kafka consumer the source needs
type Consumer interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	StoreMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// KafkaSource feeds events from a Kafka topic into the pipeline
type KafkaSource struct {
	consumer Consumer
	topic    string
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewKafkaConsumer creates a consumer subscribed to topic in the given group.
// Offsets are committed only for messages the source has stored.
func NewKafkaConsumer(brokers, groupID, topic string) (*kafka.Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        brokers,
		"group.id":                 groupID,
		"client.id":                "secureflow-ids",
		"auto.offset.reset":        "latest",
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return c, nil
}

// NewKafkaSource creates a Kafka ingestion source
func NewKafkaSource(consumer Consumer, topic string, pipeline *Pipeline, logger *slog.Logger) *KafkaSource {
	return &KafkaSource{
		consumer: consumer,
		topic:    topic,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Run polls the topic until ctx is cancelled. A message's offset is stored once
// the event is queued or rejected as malformed; a message still waiting for
// queue space when ctx ends is redelivered after a restart.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Info("Consuming events from Kafka", "topic", s.topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := s.consumer.ReadMessage(kafkaPollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			s.logger.Warn("Kafka read failed", "topic", s.topic, "error", err)
			continue
		}

		err = s.pipeline.Ingest(ctx, msg.Value, "kafka")
		switch {
		case err == nil, errors.Is(err, model.ErrInvalidEvent):
			// malformed events are counted by the pipeline and never retried
			s.store(msg)
		case errors.Is(err, model.ErrShuttingDown), errors.Is(err, context.Canceled):
			return nil
		default:
			s.logger.Error("Failed to submit event", "topic", s.topic, "error", err)
		}
	}
}

func (s *KafkaSource) store(msg *kafka.Message) {
	if _, err := s.consumer.StoreMessage(msg); err != nil {
		s.logger.Warn("Failed to store Kafka offset", "topic", s.topic, "partition", msg.TopicPartition.Partition, "error", err)
	}
}

// Close closes the consumer, committing the stored offsets
func (s *KafkaSource) Close() error {
	if err := s.consumer.Close(); err != nil {
		return fmt.Errorf("close Kafka consumer: %w", err)
	}
	s.logger.Info("Kafka consumer closed", "topic", s.topic)
	return nil
}
