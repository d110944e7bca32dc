package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	run := types.Run{
		ID:          "run-1",
		Mode:        types.ModeTask,
		Instruction: "turn on wifi",
		Status:      types.StatusCompleted,
		Actions:     []types.Action{{Name: "tap", Arguments: `{"x":1,"y":2}`}},
		Progress:    []string{"opened settings"},
		StartedAt:   "2026-01-02T03:04:05Z",
	}
	require.NoError(t, s.Put(run))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, run, got)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutRequiresID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Put(types.Run{}))
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(types.Run{
			ID:        fmt.Sprintf("run-%d", i),
			StartedAt: base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339Nano),
		}))
	}

	runs, err := s.List(3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-3", runs[1].ID)
	assert.Equal(t, "run-2", runs[2].ID)

	all, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStore_ListOrdersRunsWithinOneSecond(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	NewRecorder(b, s, zaptest.NewLogger(t))

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	starts := map[string]time.Duration{
		"whole":  0,
		"older":  120 * time.Millisecond,
		"newer":  123 * time.Millisecond,
		"newest": 500 * time.Millisecond,
	}
	for id, offset := range starts {
		b.Publish(types.Event{RunID: id, Timestamp: base.Add(offset), Type: types.EventRunStarted, Payload: types.RunStarted{Mode: types.ModeTask}})
	}

	runs, err := s.List(0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"newest", "newer", "older", "whole"}, ids)
}

func TestTimeKey_FixedWidth(t *testing.T) {
	assert.Equal(t, "t|2026-05-01T12:00:00.120000000Z|r", timeKey("2026-05-01T12:00:00.12Z", "r"))
	assert.Equal(t, "t|2026-05-01T12:00:00.000000000Z|r", timeKey("2026-05-01T14:00:00+02:00", "r"))
	assert.Equal(t, "t|not-a-time|r", timeKey("not-a-time", "r"))
}

func TestStore_RewriteKeepsOneIndexEntry(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(types.Run{ID: "r", StartedAt: "2026-01-01T00:00:00Z", Status: types.StatusRunning}))
	require.NoError(t, s.Put(types.Run{ID: "r", StartedAt: "2026-01-01T00:00:01Z", Status: types.StatusCompleted}))

	runs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StatusCompleted, runs[0].Status)
}

func TestStore_SecondOpenFails(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir)
	assert.ErrorContains(t, err, "another qaml process")
}

func TestRecorder_JournalsRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	NewRecorder(b, s, zaptest.NewLogger(t))

	b.Publish(types.Event{RunID: "run-9", Type: types.EventRunStarted, Payload: types.RunStarted{
		Mode: types.ModeTask, Instruction: "log in", Platform: types.PlatformIOS, MaxSteps: 5,
	}})

	started, err := s.Get("run-9")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, started.Status)
	assert.Equal(t, "log in", started.Instruction)

	b.Publish(types.Event{RunID: "run-9", Type: types.EventActionApplied, Payload: types.ActionApplied{
		Step: 1, Action: types.Action{Name: "tap", Arguments: `{"x":1,"y":1}`},
	}})
	b.Publish(types.Event{RunID: "run-9", Type: types.EventProgress, Payload: types.Progress{Step: 1, Entry: "typed user"}})
	b.Publish(types.Event{RunID: "other", Type: types.EventProgress, Payload: types.Progress{Step: 1, Entry: "ignored"}})
	b.Publish(types.Event{RunID: "run-9", Type: types.EventRunFinished, Payload: types.RunFinished{
		Status: types.StatusStepLimit, Steps: 5, Error: "task did not complete within 5 steps",
	}})

	got, err := s.Get("run-9")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStepLimit, got.Status)
	assert.Equal(t, 5, got.Steps)
	assert.Equal(t, []string{"typed user"}, got.Progress)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "tap", got.Actions[0].Name)
	assert.NotEmpty(t, got.FinishedAt)
	assert.Equal(t, types.PlatformIOS, got.Platform)
}
