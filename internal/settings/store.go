package settings

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secureflow/secureflow-ids/internal/allowlist"
	"github.com/secureflow/secureflow-ids/internal/model"
)

// Persister is the durable collaborator behind the settings store
type Persister interface {
	SaveSettings(ctx context.Context, settings model.Settings) error
	// LoadSettings returns nil when nothing has been saved yet
	LoadSettings(ctx context.Context) (*model.Settings, error)
}

// Snapshot is one immutable, validated settings value together with its compiled
// allow-list guard. Callers must not modify it.
type Snapshot struct {
	Settings model.Settings
	Guard    *allowlist.Guard
}

// Store holds the single authoritative settings value. Readers load an atomic
// pointer and never block; writers are serialized and replace the whole value.
type Store struct {
	current     atomic.Pointer[Snapshot]
	nextVersion atomic.Int64
	writeMu     sync.Mutex
	persister   Persister
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.RWMutex
	subscribers []func(model.Settings)
}

// NewStore creates a settings store seeded with defaults. persister may be nil.
func NewStore(defaults model.Settings, persister Persister, logger *slog.Logger) (*Store, error) {
	s := &Store{
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}

	snap, err := compile(defaults)
	if err != nil {
		return nil, fmt.Errorf("invalid default settings: %w", err)
	}
	if snap.Settings.UpdatedAt.IsZero() {
		snap.Settings.UpdatedAt = s.now().UTC()
	}
	s.current.Store(snap)
	// versions must keep increasing across restarts, even when nothing could be
	// loaded from the persister
	seed := s.now().UnixNano()
	if snap.Settings.Version > seed {
		seed = snap.Settings.Version
	}
	s.nextVersion.Store(seed)

	return s, nil
}

// Get returns a copy of the current settings
func (s *Store) Get() model.Settings {
	return s.current.Load().Settings.Clone()
}

// Snapshot returns the current immutable snapshot. A decision should read it once
// and use it throughout, so a concurrent save never changes a decision midway.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Save validates and atomically replaces the settings. On validation failure the
// error wraps model.ErrInvalidSettings and the previous value stays in effect.
// If persistence fails the new value is still applied in memory and the error
// wraps model.ErrStoreUnavailable.
func (s *Store) Save(ctx context.Context, in model.Settings) (model.Settings, error) {
	return s.Update(ctx, nil, func(model.Settings) model.Settings { return in })
}

// Update replaces the settings with apply(current), read and installed under the
// write lock. When expected is set and differs from the current version the
// update is refused with an error wrapping model.ErrVersionConflict. Invalid
// results and persistence failures are reported as for Save.
func (s *Store) Update(ctx context.Context, expected *int64, apply func(model.Settings) model.Settings) (model.Settings, error) {
	s.writeMu.Lock()
	cur := s.current.Load()
	if expected != nil && *expected != cur.Settings.Version {
		s.writeMu.Unlock()
		return cur.Settings.Clone(), fmt.Errorf("settings version %d is not current (%d): %w",
			*expected, cur.Settings.Version, model.ErrVersionConflict)
	}

	snap, err := compile(apply(cur.Settings.Clone()))
	if err != nil {
		s.writeMu.Unlock()
		s.logger.Warn("Rejected settings save", "error", err)
		return cur.Settings.Clone(), err
	}
	snap.Settings.Version = s.nextVersion.Add(1)
	snap.Settings.UpdatedAt = s.now().UTC()
	s.current.Store(snap)
	s.writeMu.Unlock()

	var persistErr error
	if s.persister != nil {
		if err := s.persister.SaveSettings(ctx, snap.Settings.Clone()); err != nil {
			s.logger.Error("Failed to persist settings, applying in memory only", "version", snap.Settings.Version, "error", err)
			persistErr = fmt.Errorf("persist settings: %w: %w", model.ErrStoreUnavailable, err)
		}
	}

	s.logger.Info("Settings saved",
		"version", snap.Settings.Version,
		"sensitivity", snap.Settings.Sensitivity,
		"sensitivity_band", model.SensitivityLabel(snap.Settings.Sensitivity),
		"auto_block", snap.Settings.AutoBlock,
		"allowed_ips", len(snap.Settings.AllowedIPs))

	s.notifySubscribers(snap.Settings)

	return snap.Settings.Clone(), persistErr
}

// Load restores persisted settings, if any. It is meant to run once at start-up.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}

	stored, err := s.persister.LoadSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("load settings: %w: %w", model.ErrStoreUnavailable, err)
	}
	if stored == nil {
		s.logger.Info("No persisted settings found, using defaults")
		return false, nil
	}

	snap, err := compile(*stored)
	if err != nil {
		return false, fmt.Errorf("persisted settings are invalid: %w", err)
	}

	for {
		cur := s.nextVersion.Load()
		if snap.Settings.Version <= cur || s.nextVersion.CompareAndSwap(cur, snap.Settings.Version) {
			break
		}
	}
	s.swap(snap)

	s.logger.Info("Settings restored", "version", snap.Settings.Version, "sensitivity", snap.Settings.Sensitivity)
	s.notifySubscribers(snap.Settings)
	return true, nil
}

// Subscribe adds a callback that is invoked after every successful save
func (s *Store) Subscribe(callback func(model.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = append(s.subscribers, callback)
}

// swap installs snap unless a newer version is already visible
func (s *Store) swap(snap *Snapshot) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.current.Load(); cur != nil && cur.Settings.Version > snap.Settings.Version {
		return false
	}
	s.current.Store(snap)
	return true
}

// notifySubscribers notifies all subscribers of a settings change
func (s *Store) notifySubscribers(settings model.Settings) {
	s.mu.RLock()
	subscribers := make([]func(model.Settings), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, callback := range subscribers {
		go func(cb func(model.Settings)) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Panic in settings subscriber callback", "panic", r)
				}
			}()
			cb(settings.Clone())
		}(callback)
	}
}

// Validate checks a settings value without saving it
func Validate(in model.Settings) error {
	_, err := compile(in)
	return err
}

func compile(in model.Settings) (*Snapshot, error) {
	if math.IsNaN(in.Sensitivity) || in.Sensitivity < model.MinSensitivity || in.Sensitivity > model.MaxSensitivity {
		return nil, &model.ValidationError{
			Field:   "sensitivity",
			Message: fmt.Sprintf("sensitivity must be between %.1f and %.1f, got %v", model.MinSensitivity, model.MaxSensitivity, in.Sensitivity),
			Err:     model.ErrInvalidSettings,
		}
	}

	guard, err := allowlist.New(in.AllowedIPs)
	if err != nil {
		return nil, err
	}

	out := in.Clone()
	out.AllowedIPs = guard.Entries()

	return &Snapshot{Settings: out, Guard: guard}, nil
}
