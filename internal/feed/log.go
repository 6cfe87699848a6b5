package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/secureflow/secureflow-ids/internal/model"
)

// ErrClosed is returned by Cursor.Next after the log is closed and drained
var ErrClosed = errors.New("feed closed")

// Kind identifies what a feed record carries
type Kind string

const (
	KindFinding       Kind = "finding"
	KindFindingStatus Kind = "finding_status"
	KindBlock         Kind = "block"
	KindUnblock       Kind = "unblock"
	KindSettings      Kind = "settings"
)

// Record is one entry of the alert/block feed. Seq is strictly increasing;
// ID is unique per record so consumers can de-duplicate redeliveries.
type Record struct {
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Finding   *model.Finding    `json:"finding,omitempty"`
	Block     *model.BlockEntry `json:"block,omitempty"`
	Address   string            `json:"address,omitempty"`
	Settings  *model.Settings   `json:"settings,omitempty"`
}

// MetricsUpdater interface for updating metrics
type MetricsUpdater interface {
	IncFeedRecords(kind string)
}

// Log is a bounded, ordered, append-only record log. Readers hold a cursor and
// pull records at their own pace; a reader that falls behind the retained
// range skips forward and the skipped count is reported on its cursor.
type Log struct {
	mu      sync.Mutex
	buf     []Record
	nextSeq uint64
	notify  chan struct{}
	closed  bool
	logger  *slog.Logger
	metrics MetricsUpdater
	now     func() time.Time
	newID   func() string
}

// NewLog creates a feed retaining at most capacity records. metrics may be nil.
func NewLog(capacity int, logger *slog.Logger, metrics MetricsUpdater) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{
		buf:     make([]Record, capacity),
		nextSeq: 1,
		notify:  make(chan struct{}),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// AppendFinding appends a new finding
func (l *Log) AppendFinding(f model.Finding) Record {
	return l.append(Record{Kind: KindFinding, Finding: &f})
}

// AppendFindingStatus appends a finding whose status changed
func (l *Log) AppendFindingStatus(f model.Finding) Record {
	return l.append(Record{Kind: KindFindingStatus, Finding: &f})
}

// AppendBlock appends a block list insertion or refresh
func (l *Log) AppendBlock(entry model.BlockEntry) Record {
	return l.append(Record{Kind: KindBlock, Block: &entry, Address: entry.Address})
}

// AppendUnblock appends a block list removal
func (l *Log) AppendUnblock(address string) Record {
	return l.append(Record{Kind: KindUnblock, Address: address})
}

// AppendSettings appends a settings change
func (l *Log) AppendSettings(s model.Settings) Record {
	s = s.Clone()
	return l.append(Record{Kind: KindSettings, Settings: &s})
}

func (l *Log) append(rec Record) Record {
	rec.ID = l.newID()
	rec.Timestamp = l.now().UTC()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warn("Feed closed, dropping record", "kind", rec.Kind)
		return rec
	}
	rec.Seq = l.nextSeq
	l.nextSeq++
	l.buf[(rec.Seq-1)%uint64(len(l.buf))] = rec

	// wake every waiting reader
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.IncFeedRecords(string(rec.Kind))
	}

	l.logger.Debug("Feed record appended", "seq", rec.Seq, "kind", rec.Kind, "record_id", rec.ID)
	return rec
}

// LastSeq returns the sequence number of the newest record, 0 when empty
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// firstSeqLocked returns the oldest retained sequence number
func (l *Log) firstSeqLocked() uint64 {
	capacity := uint64(len(l.buf))
	if l.nextSeq-1 <= capacity {
		return 1
	}
	return l.nextSeq - capacity
}

// Since returns up to limit records with a sequence number greater than since,
// oldest first. truncated reports that records after since were already evicted,
// or that since is ahead of the log; the log restarts its numbering at 1 after a
// restart, so such a reader gets everything retained.
func (l *Log) Since(since uint64, limit int) (records []Record, truncated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := l.firstSeqLocked()
	start := since + 1
	if start < first || since >= l.nextSeq {
		truncated = true
		start = first
	}

	for seq := start; seq < l.nextSeq; seq++ {
		if limit > 0 && len(records) >= limit {
			break
		}
		records = append(records, l.buf[(seq-1)%uint64(len(l.buf))])
	}
	return records, truncated
}

// Close wakes all readers; subsequent Next calls return ErrClosed once drained
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}

// Subscribe returns a cursor positioned after since. Passing LastSeq() yields
// only live records; passing 0 replays everything retained. A since ahead of
// the log, left over from before a restart, replays everything retained.
func (l *Log) Subscribe(since uint64) *Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := since + 1
	if since >= l.nextSeq {
		l.logger.Warn("Feed position ahead of log, replaying retained records",
			"since", since, "last_seq", l.nextSeq-1)
		next = l.firstSeqLocked()
	}
	return &Cursor{log: l, next: next}
}

// Cursor reads the feed in order
type Cursor struct {
	log    *Log
	next   uint64
	missed uint64
}

// Next blocks until the next record is available, ctx is done, or the log is closed
func (c *Cursor) Next(ctx context.Context) (Record, error) {
	for {
		l := c.log
		l.mu.Lock()
		if c.next < l.nextSeq {
			if first := l.firstSeqLocked(); c.next < first {
				c.missed += first - c.next
				l.logger.Warn("Feed reader fell behind, records skipped", "skipped", first-c.next)
				c.next = first
			}
			rec := l.buf[(c.next-1)%uint64(len(l.buf))]
			c.next++
			l.mu.Unlock()
			return rec, nil
		}
		if l.closed {
			l.mu.Unlock()
			return Record{}, ErrClosed
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-wait:
		}
	}
}

// Position returns the sequence number of the last record handed out
func (c *Cursor) Position() uint64 {
	return c.next - 1
}

// Missed returns how many records were skipped because the reader fell behind
func (c *Cursor) Missed() uint64 {
	return c.missed
}
