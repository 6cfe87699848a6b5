package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/secureflow/secureflow-ids/internal/model"
)

const drainPollInterval = 10 * time.Millisecond

// Subscriber is the part of a NATS connection the source needs
type Subscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// subscription is the part of *nats.Subscription used to drain it
type subscription interface {
	Drain() error
	IsValid() bool
}

// NATSSource feeds events published on a NATS subject into the pipeline.
// Instances sharing a queue group split the subject between them.
type NATSSource struct {
	conn     Subscriber
	subject  string
	queue    string
	pipeline *Pipeline
	logger   *slog.Logger
	sub      subscription
}

// NewNATSSource creates a NATS ingestion source
func NewNATSSource(conn Subscriber, subject, queue string, pipeline *Pipeline, logger *slog.Logger) *NATSSource {
	return &NATSSource{
		conn:     conn,
		subject:  subject,
		queue:    queue,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Start subscribes to the subject
func (s *NATSSource) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.handleMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to events", "subject", s.subject, "error", err)
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	if sub != nil {
		s.sub = sub
	}
	s.logger.Info("Subscribed to events", "subject", s.subject, "queue", s.queue)
	return nil
}

// handleMessage runs on the subscription's delivery goroutine. A full worker
// queue blocks it, which pushes back on the NATS client buffer.
func (s *NATSSource) handleMessage(msg *nats.Msg) {
	s.logger.Debug("Received event", "subject", msg.Subject, "data_length", len(msg.Data))

	if err := s.pipeline.Ingest(context.Background(), msg.Data, "nats"); err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidEvent):
			// already counted and logged by the pipeline
		case errors.Is(err, model.ErrShuttingDown):
			s.logger.Debug("Dropping event received during shutdown", "subject", msg.Subject)
		default:
			s.logger.Error("Failed to submit event", "subject", msg.Subject, "error", err)
		}
	}
}

// Drain stops delivery and waits until every message already received has been
// handed to the pipeline, or ctx is done
func (s *NATSSource) Drain(ctx context.Context) error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription %s: %w", s.subject, err)
	}

	// the subscription stays valid until its pending messages are delivered
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for s.sub.IsValid() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain subscription %s: %w", s.subject, ctx.Err())
		case <-ticker.C:
		}
	}

	s.logger.Info("Event subscription drained", "subject", s.subject)
	return nil
}
