package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by the sink
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// SinkMetrics interface for updating metrics
type SinkMetrics interface {
	IncNATSPublishErrors()
}

// NATSSink republishes feed records to NATS subjects <prefix>.<kind>
type NATSSink struct {
	conn       Publisher
	prefix     string
	logger     *slog.Logger
	metrics    SinkMetrics
	maxBackoff time.Duration
}

// NewNATSSink creates a NATS sink. metrics may be nil.
func NewNATSSink(conn Publisher, prefix string, logger *slog.Logger, metrics SinkMetrics) *NATSSink {
	return &NATSSink{
		conn:       conn,
		prefix:     prefix,
		logger:     logger,
		metrics:    metrics,
		maxBackoff: 5 * time.Second,
	}
}

// Subject returns the subject a record kind is published on
func (s *NATSSink) Subject(kind Kind) string {
	return s.prefix + "." + string(kind)
}

// Publish publishes a single record
func (s *NATSSink) Publish(rec Record) error {
	if s.conn == nil {
		return fmt.Errorf("NATS connection not available")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal feed record: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-seq", strconv.FormatUint(rec.Seq, 10))
	headers.Set("x-kind", string(rec.Kind))
	headers.Set("x-id", rec.ID)
	headers.Set("x-timestamp", rec.Timestamp.Format(time.RFC3339Nano))

	msg := &nats.Msg{
		Subject: s.Subject(rec.Kind),
		Data:    data,
		Header:  headers,
	}

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish feed record: %w", err)
	}

	s.logger.Debug("Published feed record", "seq", rec.Seq, "kind", rec.Kind, "subject", msg.Subject)
	return nil
}

// Run publishes every record read from cursor until ctx is cancelled or the
// feed is closed. Failed publishes are retried with backoff, so delivery is
// at-least-once.
func (s *NATSSink) Run(ctx context.Context, cursor *Cursor) error {
	s.logger.Info("Feed NATS sink started", "prefix", s.prefix, "from_seq", cursor.Position())

	for {
		rec, err := cursor.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				s.logger.Info("Feed NATS sink stopped", "last_seq", cursor.Position())
				return nil
			}
			return err
		}

		backoff := 100 * time.Millisecond
		for {
			err := s.Publish(rec)
			if err == nil {
				break
			}

			if s.metrics != nil {
				s.metrics.IncNATSPublishErrors()
			}
			s.logger.Error("Failed to publish feed record, retrying", "seq", rec.Seq, "kind", rec.Kind, "error", err, "backoff", backoff)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}
}
