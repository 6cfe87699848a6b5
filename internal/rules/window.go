package rules

import (
	"sort"
	"sync"
	"time"

	"github.com/secureflow/secureflow-ids/internal/model"
)

const maxEntriesPerSource = 1 << 16

// WindowBuffer maintains a per-source sliding window of recent events.
// Window membership is decided by event timestamps, not arrival time.
type WindowBuffer struct {
	mu       sync.RWMutex
	sources  map[string]*sourceBuffer
	window   time.Duration
	gcTicker *time.Ticker
	stopGC   chan struct{}
	now      func() time.Time
}

// sourceBuffer keeps one source's entries ordered by timestamp, together with
// running counters over all of them. Every retained entry lies within the window
// of the newest one, so an in-order event reads its stats from the counters.
type sourceBuffer struct {
	mu       sync.Mutex
	entries  []windowEntry
	syn      int
	ports    map[int]int
	lastSeen time.Time
	removed  bool
}

type windowEntry struct {
	ts   time.Time
	port int
	syn  bool
}

// WindowStats summarizes one source's activity within the window ending at the observed event
type WindowStats struct {
	Events        int
	SynEvents     int
	DistinctPorts int
}

// BufferStats describes the buffer as a whole
type BufferStats struct {
	Sources int           `json:"sources"`
	Events  int           `json:"events"`
	Window  time.Duration `json:"window"`
}

// NewWindowBuffer creates a new window buffer
func NewWindowBuffer(window time.Duration) *WindowBuffer {
	return &WindowBuffer{
		sources: make(map[string]*sourceBuffer),
		window:  window,
		now:     time.Now,
	}
}

// StartGC starts the garbage collection routine
func (wb *WindowBuffer) StartGC(gcInterval time.Duration) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.gcTicker != nil {
		return
	}

	wb.gcTicker = time.NewTicker(gcInterval)
	wb.stopGC = make(chan struct{})

	go wb.gcRoutine(wb.gcTicker, wb.stopGC)
}

// StopGC stops the garbage collection routine
func (wb *WindowBuffer) StopGC() {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.gcTicker != nil {
		wb.gcTicker.Stop()
		wb.gcTicker = nil
	}
	if wb.stopGC != nil {
		close(wb.stopGC)
		wb.stopGC = nil
	}
}

// Observe records ev and returns the statistics of its source over the
// window that ends at the event's timestamp, the event itself included.
func (wb *WindowBuffer) Observe(ev *model.NetworkEvent) WindowStats {
	if ev == nil || ev.SourceIP == "" {
		return WindowStats{}
	}

	entry := windowEntry{
		ts:   ev.Timestamp,
		port: -1,
		syn:  isBareSyn(ev),
	}
	if ev.Port != nil {
		entry.port = *ev.Port
	}

	buf := wb.lockedBufferFor(ev.SourceIP)
	defer buf.mu.Unlock()

	buf.lastSeen = wb.now()
	buf.insert(entry)
	buf.prune(wb.window)

	newest := buf.entries[len(buf.entries)-1].ts
	if !ev.Timestamp.Before(newest) {
		return WindowStats{
			Events:        len(buf.entries),
			SynEvents:     buf.syn,
			DistinctPorts: len(buf.ports),
		}
	}
	return buf.statsAt(ev.Timestamp, wb.window)
}

// lockedBufferFor returns the live buffer for source with its lock held
func (wb *WindowBuffer) lockedBufferFor(source string) *sourceBuffer {
	for {
		buf := wb.bufferFor(source)
		buf.mu.Lock()
		if !buf.removed {
			return buf
		}
		buf.mu.Unlock()
	}
}

func (wb *WindowBuffer) bufferFor(source string) *sourceBuffer {
	wb.mu.RLock()
	buf, ok := wb.sources[source]
	wb.mu.RUnlock()
	if ok {
		return buf
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()
	if buf, ok = wb.sources[source]; !ok {
		buf = &sourceBuffer{}
		wb.sources[source] = buf
	}
	return buf
}

// insert adds e keeping entries ordered by timestamp. Events mostly arrive in
// order, so the common case is an append.
func (b *sourceBuffer) insert(e windowEntry) {
	n := len(b.entries)
	if n == 0 || !e.ts.Before(b.entries[n-1].ts) {
		b.entries = append(b.entries, e)
	} else {
		i := sort.Search(n, func(i int) bool { return b.entries[i].ts.After(e.ts) })
		b.entries = append(b.entries, windowEntry{})
		copy(b.entries[i+1:], b.entries[i:])
		b.entries[i] = e
	}
	b.count(e, 1)
}

// prune drops entries that fell out of the window relative to the newest entry,
// and the oldest entries beyond the per-source cap
func (b *sourceBuffer) prune(window time.Duration) {
	if len(b.entries) == 0 {
		return
	}
	cutoff := b.entries[len(b.entries)-1].ts.Add(-window)

	drop := 0
	for drop < len(b.entries) && (b.entries[drop].ts.Before(cutoff) || len(b.entries)-drop > maxEntriesPerSource) {
		b.count(b.entries[drop], -1)
		drop++
	}
	if drop > 0 {
		b.entries = b.entries[drop:]
	}
}

func (b *sourceBuffer) count(e windowEntry, delta int) {
	if e.syn {
		b.syn += delta
	}
	if e.port < 0 {
		return
	}
	if b.ports == nil {
		b.ports = make(map[int]int)
	}
	if b.ports[e.port] += delta; b.ports[e.port] <= 0 {
		delete(b.ports, e.port)
	}
}

// statsAt computes the stats of the window ending at ts for a late event. Only
// the entries inside that window are visited.
func (b *sourceBuffer) statsAt(ts time.Time, window time.Duration) WindowStats {
	cutoff := ts.Add(-window)
	lo := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].ts.Before(cutoff) })
	hi := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].ts.After(ts) })

	stats := WindowStats{}
	ports := make(map[int]struct{})
	for _, e := range b.entries[lo:hi] {
		stats.Events++
		if e.syn {
			stats.SynEvents++
		}
		if e.port >= 0 {
			ports[e.port] = struct{}{}
		}
	}
	stats.DistinctPorts = len(ports)
	return stats
}

// GC removes sources that have not been observed within the window
func (wb *WindowBuffer) GC(now time.Time) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	cutoff := now.Add(-wb.window)
	for source, buf := range wb.sources {
		buf.mu.Lock()
		if buf.lastSeen.Before(cutoff) {
			buf.removed = true
			delete(wb.sources, source)
		}
		buf.mu.Unlock()
	}
}

func (wb *WindowBuffer) gcRoutine(ticker *time.Ticker, stopChan chan struct{}) {
	for {
		select {
		case <-ticker.C:
			wb.GC(wb.now())
		case <-stopChan:
			return
		}
	}
}

// Stats returns statistics about the window buffer
func (wb *WindowBuffer) Stats() BufferStats {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	stats := BufferStats{Sources: len(wb.sources), Window: wb.window}
	for _, buf := range wb.sources {
		buf.mu.Lock()
		stats.Events += len(buf.entries)
		buf.mu.Unlock()
	}
	return stats
}

// isBareSyn reports a TCP connection attempt: SYN without ACK
func isBareSyn(ev *model.NetworkEvent) bool {
	proto, _ := model.ParseProtocol(string(ev.Protocol))
	return proto == model.ProtocolTCP && ev.HasFlag("SYN") && !ev.HasFlag("ACK")
}
