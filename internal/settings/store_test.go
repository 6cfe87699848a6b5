package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPersister struct {
	mu     sync.Mutex
	saved  []model.Settings
	stored *model.Settings
	fail   error
}

func (m *mockPersister) SaveSettings(ctx context.Context, s model.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved = append(m.saved, s)
	return nil
}

func (m *mockPersister) LoadSettings(ctx context.Context) (*model.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return m.stored, nil
}

func defaults() model.Settings {
	return model.Settings{
		Sensitivity: 5,
		AutoBlock:   true,
		AllowedIPs:  []string{"10.0.0.1", "192.168.1.1"},
	}
}

func TestNewStore_RejectsInvalidDefaults(t *testing.T) {
	_, err := NewStore(model.Settings{Sensitivity: 0}, nil, slog.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidSettings))
}

func TestStore_SaveRoundTrip(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)
	before := s.Get()

	saved, err := s.Save(context.Background(), model.Settings{
		Sensitivity: 8,
		AutoBlock:   false,
		AllowedIPs:  []string{"10.0.0.5", "10.0.0.5", "172.16.0.0/12"},
	})
	require.NoError(t, err)

	got := s.Get()
	assert.Equal(t, saved, got)
	assert.Equal(t, 8.0, got.Sensitivity)
	assert.False(t, got.AutoBlock)
	assert.Equal(t, []string{"10.0.0.5", "172.16.0.0/12"}, got.AllowedIPs)
	assert.Greater(t, got.Version, before.Version)
	assert.True(t, s.Snapshot().Guard.IsExempt("172.20.1.1"))
}

func TestStore_SaveValidation(t *testing.T) {
	tests := []struct {
		name     string
		settings model.Settings
		field    string
	}{
		{name: "below_range", settings: model.Settings{Sensitivity: 0.5}, field: "sensitivity"},
		{name: "above_range", settings: model.Settings{Sensitivity: 10.5}, field: "sensitivity"},
		{name: "bad_allowlist", settings: model.Settings{Sensitivity: 5, AllowedIPs: []string{"10.0.0.1", "nope"}}, field: "allowed_ips[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(defaults(), nil, slog.Default())
			require.NoError(t, err)
			before := s.Get()

			_, err = s.Save(context.Background(), tt.settings)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidSettings))

			var vErr *model.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)

			assert.Equal(t, before, s.Get(), "rejected save must leave settings unchanged")
		})
	}
}

func TestStore_BoundsAreInclusive(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)

	_, err = s.Save(context.Background(), model.Settings{Sensitivity: 1})
	assert.NoError(t, err)
	_, err = s.Save(context.Background(), model.Settings{Sensitivity: 10})
	assert.NoError(t, err)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)

	got := s.Get()
	got.AllowedIPs[0] = "1.1.1.1"

	assert.Equal(t, "10.0.0.1", s.Get().AllowedIPs[0])
}

func TestStore_PersistFailureAppliesInMemory(t *testing.T) {
	p := &mockPersister{fail: errors.New("db down")}
	s, err := NewStore(defaults(), p, slog.Default())
	require.NoError(t, err)

	_, err = s.Save(context.Background(), model.Settings{Sensitivity: 9, AutoBlock: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
	assert.Equal(t, 9.0, s.Get().Sensitivity)
}

func TestStore_LoadRestoresPersisted(t *testing.T) {
	p := &mockPersister{stored: &model.Settings{Sensitivity: 2, AllowedIPs: []string{"10.9.9.9"}, Version: 41}}
	s, err := NewStore(defaults(), p, slog.Default())
	require.NoError(t, err)

	ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2.0, s.Get().Sensitivity)
	assert.Equal(t, int64(41), s.Get().Version)

	saved, err := s.Save(context.Background(), model.Settings{Sensitivity: 3})
	require.NoError(t, err)
	assert.Greater(t, saved.Version, int64(41))
	require.Len(t, p.saved, 1)
	assert.Equal(t, saved.Version, p.saved[0].Version)
}

func TestStore_LoadKeepsVersionsAbovePersisted(t *testing.T) {
	future := time.Now().Add(24 * time.Hour).UnixNano()
	p := &mockPersister{stored: &model.Settings{Sensitivity: 2, Version: future}}
	s, err := NewStore(defaults(), p, slog.Default())
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	require.NoError(t, err)

	saved, err := s.Save(context.Background(), model.Settings{Sensitivity: 3})
	require.NoError(t, err)
	assert.Equal(t, future+1, saved.Version)
}

func TestStore_VersionsIncreaseAcrossRestartsWithoutLoad(t *testing.T) {
	p := &mockPersister{}

	first, err := NewStore(defaults(), p, slog.Default())
	require.NoError(t, err)
	v1, err := first.Save(context.Background(), model.Settings{Sensitivity: 4})
	require.NoError(t, err)

	// the next process cannot read the persisted row and starts from defaults
	p.fail = errors.New("db down")
	second, err := NewStore(defaults(), p, slog.Default())
	require.NoError(t, err)
	_, err = second.Load(context.Background())
	require.Error(t, err)
	p.fail = nil

	v2, err := second.Save(context.Background(), model.Settings{Sensitivity: 6})
	require.NoError(t, err)
	assert.Greater(t, v2.Version, v1.Version, "a later process must not reuse lower versions")
}

func TestStore_UpdateMergesConcurrentChanges(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(context.Background(), nil, func(cur model.Settings) model.Settings {
				cur.AllowedIPs = append(cur.AllowedIPs, fmt.Sprintf("172.16.0.%d", i+1))
				return cur
			})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), nil, func(cur model.Settings) model.Settings {
				cur.Sensitivity = 8
				return cur
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := s.Get()
	assert.Equal(t, 8.0, got.Sensitivity)
	assert.Len(t, got.AllowedIPs, 22, "no allow-list change may be lost")
	for i := 0; i < 20; i++ {
		assert.Contains(t, got.AllowedIPs, fmt.Sprintf("172.16.0.%d", i+1))
	}
}

func TestStore_UpdateVersionConflict(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)
	read := s.Get()

	_, err = s.Save(context.Background(), model.Settings{Sensitivity: 9, AutoBlock: true})
	require.NoError(t, err)

	stale := read.Version
	got, err := s.Update(context.Background(), &stale, func(cur model.Settings) model.Settings {
		cur.AutoBlock = false
		return cur
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrVersionConflict))
	assert.Equal(t, 9.0, got.Sensitivity)
	assert.True(t, s.Get().AutoBlock, "refused update leaves settings unchanged")

	current := s.Get().Version
	got, err = s.Update(context.Background(), &current, func(cur model.Settings) model.Settings {
		cur.AutoBlock = false
		return cur
	})
	require.NoError(t, err)
	assert.False(t, got.AutoBlock)
	assert.Equal(t, 9.0, got.Sensitivity)
}

func TestStore_LoadWithNothingPersisted(t *testing.T) {
	s, err := NewStore(defaults(), &mockPersister{}, slog.Default())
	require.NoError(t, err)

	ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5.0, s.Get().Sensitivity)
}

func TestStore_SubscribersNotified(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)

	got := make(chan model.Settings, 1)
	s.Subscribe(func(st model.Settings) { got <- st })

	_, err = s.Save(context.Background(), model.Settings{Sensitivity: 7, AutoBlock: true})
	require.NoError(t, err)

	select {
	case st := <-got:
		assert.Equal(t, 7.0, st.Sensitivity)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestStore_ConcurrentReadersSeeWholeValues(t *testing.T) {
	s, err := NewStore(defaults(), nil, slog.Default())
	require.NoError(t, err)

	a := model.Settings{Sensitivity: 2, AutoBlock: false, AllowedIPs: []string{"10.0.0.2"}}
	b := model.Settings{Sensitivity: 9, AutoBlock: true, AllowedIPs: []string{"10.0.0.9"}}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			next := a
			if i%2 == 0 {
				next = b
			}
			_, _ = s.Save(context.Background(), next)
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				switch snap.Settings.Sensitivity {
				case 2:
					assert.Equal(t, []string{"10.0.0.2"}, snap.Settings.AllowedIPs)
					assert.False(t, snap.Settings.AutoBlock)
				case 9:
					assert.Equal(t, []string{"10.0.0.9"}, snap.Settings.AllowedIPs)
					assert.True(t, snap.Settings.AutoBlock)
				}
			}
		}()
	}

	wg.Wait()
}
