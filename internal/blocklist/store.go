package blocklist

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secureflow/secureflow-ids/internal/allowlist"
	"github.com/secureflow/secureflow-ids/internal/model"
)

const shardCount = 32

// Persister is the durable collaborator behind the block list. Calls are made
// without holding any store lock. Version is increasing per address, so
// implementations can discard writes that arrive out of order.
type Persister interface {
	SaveBlock(ctx context.Context, entry model.BlockEntry) error
	DeleteBlock(ctx context.Context, address string, version int64) error
	LoadBlocks(ctx context.Context) ([]model.BlockEntry, error)
}

// Store is the table of currently blocked addresses.
// Mutations of one address are serialized; different addresses mostly land on
// different shards and do not contend.
type Store struct {
	shards    [shardCount]*shard
	seq       atomic.Int64
	version   atomic.Int64
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*record
}

type record struct {
	entry model.BlockEntry
	seq   int64
}

// NewStore creates a block list. persister may be nil for a purely in-memory list.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	s := &Store{
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*record)}
	}
	// versions must keep increasing across restarts, including past tombstones
	s.version.Store(time.Now().UnixNano())
	return s
}

// Block inserts or refreshes the entry for address and returns the resulting entry.
//
// Re-blocking refreshes reason and timestamp and keeps the higher severity. Manual
// provenance sticks: a later automatic block never turns a manual entry into an
// automatic one. When persistence fails the in-memory entry is still in effect and
// the returned error wraps model.ErrStoreUnavailable.
func (s *Store) Block(ctx context.Context, address, reason string, severity model.Severity, autoBlocked bool) (model.BlockEntry, error) {
	addr, err := allowlist.CanonicalAddress(address)
	if err != nil {
		return model.BlockEntry{}, err
	}

	if !severity.Valid() {
		severity = model.SeverityHigh
	}

	sh := s.shardFor(addr)
	now := s.now().UTC()

	sh.mu.Lock()
	rec, exists := sh.entries[addr]
	if exists {
		rec.entry.Reason = reason
		rec.entry.Timestamp = now
		rec.entry.Severity = model.MaxSeverity(rec.entry.Severity, severity)
		rec.entry.AutoBlocked = rec.entry.AutoBlocked && autoBlocked
	} else {
		rec = &record{
			entry: model.BlockEntry{
				Address:     addr,
				Reason:      reason,
				Timestamp:   now,
				BlockedAt:   now,
				Severity:    severity,
				AutoBlocked: autoBlocked,
			},
			seq: s.seq.Add(1),
		}
		sh.entries[addr] = rec
	}
	rec.entry.Version = s.version.Add(1)
	entry := rec.entry
	sh.mu.Unlock()

	if exists {
		s.logger.Debug("Block entry refreshed", "address", addr, "provenance", entry.Provenance(), "severity", entry.Severity)
	} else {
		s.logger.Info("Address blocked", "address", addr, "provenance", entry.Provenance(), "severity", entry.Severity, "reason", reason)
	}

	if s.persister != nil {
		if err := s.persister.SaveBlock(ctx, entry); err != nil {
			s.logger.Error("Failed to persist block entry", "address", addr, "error", err)
			return entry, fmt.Errorf("persist block %s: %w: %w", addr, model.ErrStoreUnavailable, err)
		}
	}

	return entry, nil
}

// Unblock removes the entry for address. It reports whether anything was removed;
// removing an address that is not blocked is not an error.
func (s *Store) Unblock(ctx context.Context, address string) (bool, error) {
	return s.remove(ctx, address, false)
}

// UnblockAuto removes the entry for address only if it was blocked automatically.
// Manual entries are left in place and reported as not removed.
func (s *Store) UnblockAuto(ctx context.Context, address string) (bool, error) {
	return s.remove(ctx, address, true)
}

func (s *Store) remove(ctx context.Context, address string, autoOnly bool) (bool, error) {
	addr, err := allowlist.CanonicalAddress(address)
	if err != nil {
		return false, err
	}

	sh := s.shardFor(addr)

	sh.mu.Lock()
	rec, exists := sh.entries[addr]
	if !exists || (autoOnly && !rec.entry.AutoBlocked) {
		sh.mu.Unlock()
		return false, nil
	}
	delete(sh.entries, addr)
	version := s.version.Add(1)
	sh.mu.Unlock()

	s.logger.Info("Address unblocked", "address", addr, "provenance", rec.entry.Provenance())

	if s.persister != nil {
		if err := s.persister.DeleteBlock(ctx, addr, version); err != nil {
			s.logger.Error("Failed to persist unblock", "address", addr, "error", err)
			return true, fmt.Errorf("persist unblock %s: %w: %w", addr, model.ErrStoreUnavailable, err)
		}
	}

	return true, nil
}

// IsBlocked reports whether address currently has an entry
func (s *Store) IsBlocked(address string) bool {
	_, ok := s.Get(address)
	return ok
}

// Get returns the entry for address
func (s *Store) Get(address string) (model.BlockEntry, bool) {
	addr, err := allowlist.CanonicalAddress(address)
	if err != nil {
		return model.BlockEntry{}, false
	}

	sh := s.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.entries[addr]
	if !ok {
		return model.BlockEntry{}, false
	}
	return rec.entry, true
}

// List returns a snapshot of all entries in insertion order
func (s *Store) List() []model.BlockEntry {
	var records []record
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.entries {
			records = append(records, *rec)
		}
		sh.mu.Unlock()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].seq < records[j].seq
	})

	entries := make([]model.BlockEntry, len(records))
	for i, rec := range records {
		entries[i] = rec.entry
	}
	return entries
}

// Len returns the number of blocked addresses
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Restore loads persisted entries into memory. It is meant to run once at start-up
// before any producer is attached.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}

	entries, err := s.persister.LoadBlocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load block list: %w: %w", model.ErrStoreUnavailable, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].BlockedAt.Before(entries[j].BlockedAt)
	})

	restored := 0
	for _, entry := range entries {
		addr, err := allowlist.CanonicalAddress(entry.Address)
		if err != nil {
			s.logger.Warn("Skipping persisted block entry with invalid address", "address", entry.Address)
			continue
		}
		entry.Address = addr

		sh := s.shardFor(addr)
		sh.mu.Lock()
		if _, exists := sh.entries[addr]; !exists {
			sh.entries[addr] = &record{entry: entry, seq: s.seq.Add(1)}
			restored++
		}
		sh.mu.Unlock()

		// keep new versions above anything already persisted
		for {
			cur := s.version.Load()
			if entry.Version <= cur || s.version.CompareAndSwap(cur, entry.Version) {
				break
			}
		}
	}

	s.logger.Info("Block list restored", "entries", restored)
	return restored, nil
}

func (s *Store) shardFor(addr string) *shard {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return s.shards[h.Sum32()%shardCount]
}
