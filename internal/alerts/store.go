package alerts

import (
	"container/ring"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/secureflow/secureflow-ids/internal/model"
)

// Alert is a finding as shown on the dashboard. Repeats of the same finding
// within the dedupe window are folded into one alert.
type Alert struct {
	model.Finding
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Query selects alerts for the dashboard list
type Query struct {
	// Search matches source or destination address by substring, or type case-insensitively
	Search      string
	Status      model.Status
	MinSeverity model.Severity
	Limit       int
}

// Stats returns store statistics
type Stats struct {
	Alerts     int            `json:"alerts"`
	MaxAlerts  int            `json:"max_alerts"`
	DedupeSize int            `json:"dedupe_size"`
	ByStatus   map[string]int `json:"by_status"`
}

type dedupeEntry struct {
	alertID string
	seen    time.Time
}

// Store keeps the most recent alerts in a ring buffer with LRU deduplication
type Store struct {
	mu           sync.RWMutex
	ring         *ring.Ring
	index        map[string]*Alert
	dedupe       *lru.Cache[string, dedupeEntry]
	maxAlerts    int
	dedupeWindow time.Duration
	now          func() time.Time
}

// NewStore creates an alert store. A zero dedupeWindow disables folding.
func NewStore(maxAlerts, dedupeCap int, dedupeWindow time.Duration) (*Store, error) {
	if maxAlerts <= 0 {
		return nil, fmt.Errorf("max alerts must be positive, got %d", maxAlerts)
	}
	cache, err := lru.New[string, dedupeEntry](dedupeCap)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	return &Store{
		ring:         ring.New(maxAlerts),
		index:        make(map[string]*Alert, maxAlerts),
		dedupe:       cache,
		maxAlerts:    maxAlerts,
		dedupeWindow: dedupeWindow,
		now:          time.Now,
	}, nil
}

// Add stores a finding. It returns the resulting alert and whether a new alert
// was created; false means the finding was folded into an open duplicate.
func (s *Store) Add(f model.Finding) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := dedupeKey(f)

	if s.dedupeWindow > 0 {
		if entry, ok := s.dedupe.Get(key); ok && now.Sub(entry.seen) <= s.dedupeWindow {
			if existing, live := s.index[entry.alertID]; live && existing.Status != model.StatusResolved {
				existing.Count++
				existing.LastSeen = now
				existing.Severity = model.MaxSeverity(existing.Severity, f.Severity)
				s.dedupe.Add(key, dedupeEntry{alertID: existing.ID, seen: now})
				return *existing, false
			}
		}
	}

	alert := &Alert{Finding: f, Count: 1, LastSeen: now}
	if alert.Status == "" {
		alert.Status = model.StatusNew
	}

	// evict the alert occupying this slot
	if old, ok := s.ring.Value.(string); ok {
		delete(s.index, old)
	}
	s.ring.Value = alert.ID
	s.ring = s.ring.Next()
	s.index[alert.ID] = alert
	s.dedupe.Add(key, dedupeEntry{alertID: alert.ID, seen: now})

	return *alert, true
}

// Get returns the alert with the given id
func (s *Store) Get(id string) (Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.index[id]
	if !ok {
		return Alert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	return *a, nil
}

// Transition moves an alert to the next status. Moving to the current status
// is a no-op; other disallowed moves return model.ErrInvalidTransition.
func (s *Store) Transition(id string, next model.Status) (Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.index[id]
	if !ok {
		return Alert{}, false, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	if a.Status == next {
		return *a, false, nil
	}
	if !a.Status.CanTransitionTo(next) {
		return *a, false, fmt.Errorf("alert %s from %s to %s: %w", id, a.Status, next, model.ErrInvalidTransition)
	}

	a.Status = next
	return *a, true, nil
}

// List returns the alerts matching q, newest first
func (s *Store) List(q Query) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.TrimSpace(q.Search)
	lowerSearch := strings.ToLower(search)

	var out []Alert
	// walk backwards from the most recently written slot
	for r, i := s.ring.Prev(), 0; i < s.maxAlerts; r, i = r.Prev(), i+1 {
		id, ok := r.Value.(string)
		if !ok {
			continue
		}
		a, ok := s.index[id]
		if !ok {
			continue
		}
		if !matches(a, search, lowerSearch, q) {
			continue
		}
		out = append(out, *a)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func matches(a *Alert, search, lowerSearch string, q Query) bool {
	if search != "" &&
		!strings.Contains(a.SourceIP, search) &&
		!strings.Contains(a.DestinationIP, search) &&
		!strings.Contains(strings.ToLower(a.Type), lowerSearch) {
		return false
	}
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.MinSeverity != "" && !a.Severity.AtLeast(q.MinSeverity) {
		return false
	}
	return true
}

// Stats returns store statistics
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Alerts:     len(s.index),
		MaxAlerts:  s.maxAlerts,
		DedupeSize: s.dedupe.Len(),
		ByStatus:   make(map[string]int),
	}
	for _, a := range s.index {
		stats.ByStatus[string(a.Status)]++
	}
	return stats
}

// dedupeKey identifies repeats of the same detection against the same target
func dedupeKey(f model.Finding) string {
	return f.SourceIP + "|" + f.DestinationIP + "|" + f.SignatureID + "|" + f.Type
}
