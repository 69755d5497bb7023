package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/status"
	"github.com/artpar/gsm/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type mockSource struct {
	mu     sync.Mutex
	calls  int
	forced bool
	err    error
}

func (m *mockSource) Get(ctx context.Context, forceRefresh bool) (*domain.AggregateStatus, status.Freshness, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.forced = m.forced || forceRefresh
	if m.err != nil {
		return nil, status.Freshness{}, m.err
	}
	return &domain.AggregateStatus{Summary: domain.Summary{Total: 9, Running: 7}}, status.Freshness{}, nil
}

func (m *mockSource) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// =============================================================================
// Status Poller
// =============================================================================

func TestNewStatusPoller_DefaultConfig(t *testing.T) {
	p := NewStatusPoller(&mockSource{}, StatusPollerConfig{}, nil)

	assert.Equal(t, DefaultStatusPollerConfig(), p.config)
}

func TestStatusPoller_PollsImmediatelyAndOnInterval(t *testing.T) {
	src := &mockSource{}
	p := NewStatusPoller(src, StatusPollerConfig{Interval: 20 * time.Millisecond}, nil)

	p.Start()
	require.Eventually(t, func() bool { return src.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	after := src.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, src.count(), "no polls after Stop")
	assert.False(t, src.forced, "poller never forces a refresh")
}

func TestStatusPoller_SurvivesErrors(t *testing.T) {
	src := &mockSource{err: errors.New("probe exploded")}
	p := NewStatusPoller(src, StatusPollerConfig{Interval: 10 * time.Millisecond}, nil)

	p.Start()
	require.Eventually(t, func() bool { return src.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
}

func TestStatusPoller_StopWithoutStart(t *testing.T) {
	p := NewStatusPoller(&mockSource{}, StatusPollerConfig{}, nil)

	// Stop without start should not panic
	p.Stop()
}

// =============================================================================
// Retention
// =============================================================================

func TestRetention_PrunesOldEntries(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour, 90 * 24 * time.Hour} {
		require.NoError(t, s.CreateEvent(ctx, &domain.Event{
			Kind:      domain.EventControl,
			Port:      8080 + i,
			Action:    "restart",
			CreatedAt: now.Add(-age),
		}))
	}

	r := NewRetention(s, RetentionConfig{}, nil)
	r.now = func() time.Time { return now }

	assert.Equal(t, int64(2), r.PruneNow(ctx))

	remaining, err := s.ListEvents(ctx, domain.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	assert.Equal(t, int64(0), r.PruneNow(ctx))
}

type failingPruner struct{}

func (failingPruner) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestRetention_ErrorIsLogged(t *testing.T) {
	r := NewRetention(failingPruner{}, RetentionConfig{}, nil)

	assert.Equal(t, int64(0), r.PruneNow(context.Background()))
}

func TestRetention_StartStop(t *testing.T) {
	r := NewRetention(failingPruner{}, RetentionConfig{Interval: 10 * time.Millisecond}, nil)

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
