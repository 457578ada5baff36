package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/trafficgov/internal/throttle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordDecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	decisions := []throttle.Decision{
		{Tenant: "alice", Action: throttle.ActionNone, UsageMiB: 1024, LimitGiB: 500, At: day0.Add(-time.Hour)},
		{Tenant: "alice", Action: throttle.ActionEnter, UsageMiB: 600 * 1024, LimitGiB: 500, At: day0,
			Current: throttle.Status{State: throttle.StateThrottled, Since: day0}},
		{Tenant: "alice", Action: throttle.ActionRefresh, UsageMiB: 650 * 1024, LimitGiB: 500, At: day0.Add(15 * time.Minute),
			Current: throttle.Status{State: throttle.StateThrottled, Since: day0.Add(15 * time.Minute)}},
		{Tenant: "alice", Action: throttle.ActionRefresh, UsageMiB: 700 * 1024, LimitGiB: 500, At: day0.Add(30 * time.Minute),
			Current: throttle.Status{State: throttle.StateThrottled, Since: day0.Add(30 * time.Minute)}},
		{Tenant: "alice", Action: throttle.ActionHold, UsageMiB: 400 * 1024, LimitGiB: 500, At: day0.Add(24 * time.Hour),
			Current: throttle.Status{State: throttle.StateThrottled, Since: day0.Add(30 * time.Minute)}},
		{Tenant: "bob", Action: throttle.ActionNone, UsageMiB: 10, LimitGiB: 50, At: day0},
	}
	for _, d := range decisions {
		require.NoError(t, s.RecordDecision(ctx, d))
	}

	states, err := s.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "alice", states[0].Tenant)
	assert.Equal(t, "throttled", states[0].State)
	assert.Equal(t, "hold", states[0].LastAction)
	require.NotNil(t, states[0].Since)
	assert.True(t, states[0].Since.Equal(day0.Add(30*time.Minute)))
	assert.Equal(t, "normal", states[1].State)
	assert.Nil(t, states[1].Since)

	// refreshes update the state row but are not events
	events, err := s.ListEvents(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "enter", events[0].Action)

	require.NoError(t, s.RecordDecision(ctx, throttle.Decision{
		Tenant: "alice", Action: throttle.ActionLeave, UsageMiB: 400 * 1024, LimitGiB: 500, At: day0.Add(96 * time.Hour),
	}))
	events, err = s.ListEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "leave", events[0].Action)

	st, err := s.GetState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "normal", st.State)
	assert.Nil(t, st.Since)
}

func TestGetStateNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetState(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
