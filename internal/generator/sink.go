package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Sink delivers generated events to the responder
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// NATSPublisher is the subset of *nats.Conn used by NATSSink
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// NATSSink publishes events on a NATS subject
type NATSSink struct {
	conn    NATSPublisher
	subject string
}

// NewNATSSink creates a sink publishing on subject
func NewNATSSink(conn NATSPublisher, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// Send publishes ev
func (s *NATSSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes buffered messages
func (s *NATSSink) Close() error {
	return s.conn.Flush()
}

// KafkaProducer is the subset of *kafka.Producer used by KafkaSink
type KafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// NewKafkaProducer creates a fire-and-forget producer for telemetry
func NewKafkaProducer(brokers string) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   brokers,
		"client.id":           "secureflow-trafficgen",
		"acks":                "1",
		"linger.ms":           5,
		"batch.size":          16384,
		"compression.type":    "snappy",
		"go.delivery.reports": false,
	})
}

// KafkaSink produces events to a Kafka topic, keyed by source address so one
// source stays on one partition
type KafkaSink struct {
	producer KafkaProducer
	topic    string
}

// NewKafkaSink creates a sink producing to topic
func NewKafkaSink(producer KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Send produces ev
func (s *KafkaSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.SourceIP),
		Value:          payload,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}
	return nil
}

// Close flushes for up to ten seconds and closes the producer
func (s *KafkaSink) Close() error {
	if remaining := s.producer.Flush(10000); remaining > 0 {
		s.producer.Close()
		return fmt.Errorf("%d events not delivered", remaining)
	}
	s.producer.Close()
	return nil
}

// HTTPSink posts events to the ingest endpoint
type HTTPSink struct {
	client *http.Client
	url    string
}

// NewHTTPSink creates a sink posting to url, e.g. http://localhost:8080/api/v1/events
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{client: &http.Client{Timeout: timeout}, url: url}
}

// Send posts ev and fails on any non-2xx response
func (s *HTTPSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
