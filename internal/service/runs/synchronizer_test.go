package runs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/tracker"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testConn   = model.Connection{APIKey: "k", Entity: "acme", Project: "ft"}
)

// fakeLister returns canned payloads and counts calls.
type fakeLister struct {
	mu      sync.Mutex
	payload any
	err     error
	calls   atomic.Int64
	block   chan struct{}
}

func (f *fakeLister) ListRuns(ctx context.Context, _ model.Connection) (any, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, f.err
}

func (f *fakeLister) set(payload any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = payload
	f.err = err
}

func twoRuns() any {
	return []any{
		map[string]any{"id": "early", "name": "early", "updatedAt": "2024-05-01T10:00:00Z"},
		map[string]any{"id": "late", "name": "late", "updatedAt": "2024-05-01T10:05:00Z", "summary_metrics": map[string]any{"loss": 0.4}},
	}
}

func TestRefresh_SkippedWhenNotConfigured(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, time.Hour)

	out := s.Refresh(context.Background())
	assert.True(t, out.Skipped)
	assert.Zero(t, lister.calls.Load())

	s.Configure(model.Connection{APIKey: "k", Entity: "acme"})
	out = s.Refresh(context.Background())
	assert.True(t, out.Skipped)
	snap := s.Snapshot()
	assert.False(t, snap.Configured)
	assert.Empty(t, snap.Error)
}

func TestRefresh_SortsNewestFirst(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, time.Hour)
	s.Configure(testConn)

	out := s.Refresh(context.Background())
	require.NoError(t, out.Err)
	require.Len(t, out.Runs, 2)
	assert.Equal(t, "late", out.Runs[0].ID)
	assert.Equal(t, "early", out.Runs[1].ID)

	snap := s.Snapshot()
	assert.Equal(t, out.Runs, snap.Runs)
	assert.False(t, snap.Busy)
	assert.Empty(t, snap.Error)
	assert.False(t, snap.LastSuccessAt.IsZero())
}

func TestRefresh_FailureKeepsListAndRecordsError(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, time.Hour)
	s.Configure(testConn)
	require.NoError(t, s.Refresh(context.Background()).Err)
	before := s.Snapshot()

	lister.set(nil, &tracker.Error{StatusCode: 500, Message: "boom"})
	out := s.Refresh(context.Background())
	require.Error(t, out.Err)

	snap := s.Snapshot()
	assert.Equal(t, before.Runs, snap.Runs)
	assert.Contains(t, snap.Error, "500")
	assert.False(t, snap.Busy)
	assert.Equal(t, before.LastSuccessAt, snap.LastSuccessAt)

	// The next attempt clears the error.
	lister.set(twoRuns(), nil)
	require.NoError(t, s.Refresh(context.Background()).Err)
	assert.Empty(t, s.Snapshot().Error)
}

func TestRefresh_NonArrayPayloadIsEmptyList(t *testing.T) {
	lister := &fakeLister{payload: map[string]any{"message": "unexpected"}}
	s := New(lister, testLogger, time.Hour)
	s.Configure(testConn)

	out := s.Refresh(context.Background())
	require.NoError(t, out.Err)
	assert.Empty(t, s.Snapshot().Runs)
	assert.NotNil(t, s.Snapshot().Runs)
}

func TestRefresh_BusyWhileInFlight(t *testing.T) {
	lister := &fakeLister{payload: twoRuns(), block: make(chan struct{})}
	s := New(lister, testLogger, time.Hour)
	s.Configure(testConn)

	done := make(chan Outcome, 1)
	go func() { done <- s.Refresh(context.Background()) }()

	require.Eventually(t, func() bool { return s.Snapshot().Busy }, time.Second, 5*time.Millisecond)
	close(lister.block)
	out := <-done
	require.NoError(t, out.Err)
	assert.False(t, s.Snapshot().Busy)
}

func TestRefresh_ClearsBusyOnPanic(t *testing.T) {
	s := New(panicLister{}, testLogger, time.Hour)
	s.Configure(testConn)

	assert.Panics(t, func() { s.Refresh(context.Background()) })
	snap := s.Snapshot()
	assert.False(t, snap.Busy)
	assert.NotEmpty(t, snap.Error)
}

type panicLister struct{}

func (panicLister) ListRuns(context.Context, model.Connection) (any, error) {
	panic("lister exploded")
}

func TestOnRefresh_SelectionFollowsFreshInstance(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, time.Hour)
	s.Configure(testConn)

	var selected *model.Run
	s.OnRefresh(func(o Outcome) {
		if o.Err == nil {
			selected, _ = model.Reselect(selected, o.Runs)
		}
	})

	first := s.Refresh(context.Background())
	selected = &first.Runs[0]

	lister.set([]any{
		map[string]any{"id": "late", "name": "late", "updatedAt": "2024-05-01T10:06:00Z", "summary_metrics": map[string]any{"loss": 0.2}},
	}, nil)
	second := s.Refresh(context.Background())

	require.NotNil(t, selected)
	assert.Same(t, &second.Runs[0], selected)
	assert.Equal(t, 0.2, selected.Summary["loss"])

	// The run disappears: the stale selection is kept, not cleared.
	lister.set([]any{map[string]any{"id": "other"}}, nil)
	s.Refresh(context.Background())
	require.NotNil(t, selected)
	assert.Equal(t, "late", selected.ID)
}

func TestOnRefresh_NotCalledWhenSkipped(t *testing.T) {
	s := New(&fakeLister{}, testLogger, time.Hour)
	var called atomic.Bool
	s.OnRefresh(func(Outcome) { called.Store(true) })
	s.Refresh(context.Background())
	assert.False(t, called.Load())
}

func TestEndToEnd_FailedRefreshKeepsListAndSelection(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, time.Hour)

	var selected *model.Run
	s.OnRefresh(func(o Outcome) {
		if o.Err == nil {
			selected, _ = model.Reselect(selected, o.Runs)
		}
	})

	s.Configure(testConn)
	out := s.Refresh(context.Background())
	require.NoError(t, out.Err)
	require.Len(t, out.Runs, 2)
	assert.Equal(t, "2024-05-01T10:05:00Z", out.Runs[0].UpdatedAt)
	assert.Equal(t, "2024-05-01T10:00:00Z", out.Runs[1].UpdatedAt)

	selected = &out.Runs[0]

	lister.set(nil, &tracker.Error{StatusCode: 500})
	failed := s.Refresh(context.Background())
	require.Error(t, failed.Err)

	snap := s.Snapshot()
	assert.Equal(t, []string{"late", "early"}, []string{snap.Runs[0].ID, snap.Runs[1].ID})
	assert.Same(t, &out.Runs[0], selected)
	assert.NotEmpty(t, snap.Error)
}

func TestPolling_RequiresCompleteConnection(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, 10*time.Millisecond)
	t.Cleanup(func() { s.Close(context.Background()) })

	s.SetPolling(true)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, lister.calls.Load())
	assert.True(t, s.Snapshot().Polling)

	s.Configure(testConn)
	require.Eventually(t, func() bool { return lister.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPolling_DisableStopsFurtherRefreshes(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, 10*time.Millisecond)
	t.Cleanup(func() { s.Close(context.Background()) })
	s.Configure(testConn)

	s.SetPolling(true)
	require.Eventually(t, func() bool { return lister.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.SetPolling(false)
	// Let any tick that fired just before the stop land.
	time.Sleep(30 * time.Millisecond)
	settled := lister.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, lister.calls.Load())
	assert.False(t, s.Polling())
}

func TestPolling_ReenableRestartsInterval(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, 300*time.Millisecond)
	t.Cleanup(func() { s.Close(context.Background()) })
	s.Configure(testConn)

	s.SetPolling(true)
	time.Sleep(200 * time.Millisecond)
	s.SetPolling(false)
	s.SetPolling(true)

	// A resumed countdown would fire ~100ms from now; a fresh one needs 300ms.
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, lister.calls.Load())
	require.Eventually(t, func() bool { return lister.calls.Load() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestPolling_IncompleteConnectionStopsSchedule(t *testing.T) {
	lister := &fakeLister{payload: twoRuns()}
	s := New(lister, testLogger, 10*time.Millisecond)
	t.Cleanup(func() { s.Close(context.Background()) })
	s.Configure(testConn)
	s.SetPolling(true)
	require.Eventually(t, func() bool { return lister.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	s.Configure(model.Connection{})
	time.Sleep(30 * time.Millisecond)
	settled := lister.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, lister.calls.Load())
}

func TestClose_WaitsForTickRefreshes(t *testing.T) {
	lister := &fakeLister{payload: twoRuns(), block: make(chan struct{})}
	s := New(lister, testLogger, 10*time.Millisecond)
	s.Configure(testConn)
	s.SetPolling(true)
	require.Eventually(t, func() bool { return lister.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Close(ctx)
	assert.True(t, s.Snapshot().Busy, "blocked refresh still in flight after timed-out close")

	close(lister.block)
	s.Close(context.Background())
	assert.False(t, s.Snapshot().Busy)
}

func TestRefresh_ErrorMessageFromTransport(t *testing.T) {
	lister := &fakeLister{err: errors.New("dial tcp: connection refused")}
	s := New(lister, testLogger, time.Hour)
	s.Configure(testConn)
	s.Refresh(context.Background())
	assert.Equal(t, "dial tcp: connection refused", s.Snapshot().Error)
}
