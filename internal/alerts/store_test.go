package alerts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finding(id, src, typ string, sev model.Severity) model.Finding {
	return model.Finding{
		ID:            id,
		SourceIP:      src,
		DestinationIP: "10.0.0.1",
		Type:          typ,
		Severity:      sev,
		Status:        model.StatusNew,
		SignatureID:   typ,
	}
}

func newTestStore(t *testing.T, max int, window time.Duration) *Store {
	t.Helper()
	s, err := NewStore(max, 100, window)
	require.NoError(t, err)
	return s
}

func TestNewStore_Invalid(t *testing.T) {
	_, err := NewStore(0, 10, 0)
	assert.Error(t, err)
	_, err = NewStore(10, 0, 0)
	assert.Error(t, err)
}

func TestStore_AddAndFold(t *testing.T) {
	s := newTestStore(t, 10, time.Minute)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	a, created := s.Add(finding("1", "192.168.1.101", "Port Scan", model.SeverityMedium))
	require.True(t, created)
	assert.Equal(t, 1, a.Count)

	clock = clock.Add(10 * time.Second)
	a, created = s.Add(finding("2", "192.168.1.101", "Port Scan", model.SeverityHigh))
	assert.False(t, created)
	assert.Equal(t, "1", a.ID)
	assert.Equal(t, 2, a.Count)
	assert.Equal(t, model.SeverityHigh, a.Severity)

	// outside the window a new alert is opened
	clock = clock.Add(2 * time.Minute)
	a, created = s.Add(finding("3", "192.168.1.101", "Port Scan", model.SeverityMedium))
	assert.True(t, created)
	assert.Equal(t, "3", a.ID)

	assert.Equal(t, 2, s.Stats().Alerts)
}

func TestStore_ResolvedAlertsAreNotFolded(t *testing.T) {
	s := newTestStore(t, 10, time.Hour)

	s.Add(finding("1", "192.168.1.100", "SQL Injection Attempt", model.SeverityHigh))
	_, _, err := s.Transition("1", model.StatusResolved)
	require.NoError(t, err)

	_, created := s.Add(finding("2", "192.168.1.100", "SQL Injection Attempt", model.SeverityHigh))
	assert.True(t, created)
}

func TestStore_RingEvictsOldest(t *testing.T) {
	s := newTestStore(t, 3, 0)

	for i := 1; i <= 5; i++ {
		s.Add(finding(fmt.Sprint(i), fmt.Sprintf("10.1.1.%d", i), "Port Scan", model.SeverityMedium))
	}

	list := s.List(Query{})
	require.Len(t, list, 3)
	assert.Equal(t, "5", list[0].ID)
	assert.Equal(t, "3", list[2].ID)

	_, err := s.Get("1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStore_Transition(t *testing.T) {
	tests := []struct {
		name    string
		path    []model.Status
		wantErr error
	}{
		{name: "new_to_investigating", path: []model.Status{model.StatusInvestigating}},
		{name: "new_to_resolved", path: []model.Status{model.StatusResolved}},
		{name: "full_lifecycle", path: []model.Status{model.StatusInvestigating, model.StatusResolved}},
		{name: "resolved_is_terminal", path: []model.Status{model.StatusResolved, model.StatusInvestigating}, wantErr: model.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, 10, 0)
			s.Add(finding("a", "192.168.1.1", "X", model.SeverityLow))

			var err error
			for _, next := range tt.path {
				_, _, err = s.Transition("a", next)
				if err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			got, _ := s.Get("a")
			assert.Equal(t, tt.path[len(tt.path)-1], got.Status)
		})
	}
}

func TestStore_TransitionSameStatusIsNoop(t *testing.T) {
	s := newTestStore(t, 10, 0)
	s.Add(finding("a", "192.168.1.1", "X", model.SeverityLow))

	_, changed, err := s.Transition("a", model.StatusInvestigating)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = s.Transition("a", model.StatusInvestigating)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = s.Transition("missing", model.StatusResolved)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStore_ListFilters(t *testing.T) {
	s := newTestStore(t, 10, 0)
	s.Add(finding("1", "192.168.1.100", "SQL Injection Attempt", model.SeverityHigh))
	s.Add(finding("2", "192.168.1.101", "Port Scan", model.SeverityMedium))
	s.Add(finding("3", "172.16.0.9", "Suspicious Port Access", model.SeverityLow))
	_, _, err := s.Transition("2", model.StatusInvestigating)
	require.NoError(t, err)

	ids := func(list []Alert) []string {
		var out []string
		for _, a := range list {
			out = append(out, a.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{name: "all", query: Query{}, want: []string{"3", "2", "1"}},
		{name: "address_substring", query: Query{Search: "192.168.1"}, want: []string{"2", "1"}},
		{name: "destination", query: Query{Search: "10.0.0.1"}, want: []string{"3", "2", "1"}},
		{name: "type_case_insensitive", query: Query{Search: "port"}, want: []string{"3", "2"}},
		{name: "status", query: Query{Status: model.StatusInvestigating}, want: []string{"2"}},
		{name: "min_severity", query: Query{MinSeverity: model.SeverityMedium}, want: []string{"2", "1"}},
		{name: "limit", query: Query{Limit: 1}, want: []string{"3"}},
		{name: "no_match", query: Query{Search: "nothing"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(s.List(tt.query)))
		})
	}

	stats := s.Stats()
	assert.Equal(t, 2, stats.ByStatus["new"])
	assert.Equal(t, 1, stats.ByStatus["investigating"])
}
