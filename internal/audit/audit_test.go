package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/types"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newTestAuditor(t *testing.T) (*Auditor, *bus.Bus, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	a := New(nopCloser{&buf}, zaptest.NewLogger(t))
	b := bus.New()
	a.Attach(b)
	return a, b, &buf
}

func readRecords(t *testing.T, r io.Reader) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func applied(runID, name, args string) types.Event {
	return types.Event{RunID: runID, Type: types.EventActionApplied, Payload: types.ActionApplied{
		Step: 1, Action: types.Action{Name: name, Arguments: args},
	}}
}

func TestHandle_WritesOneLinePerEvent(t *testing.T) {
	_, b, buf := newTestAuditor(t)
	b.Publish(types.Event{RunID: "r1", Type: types.EventRunStarted, Payload: types.RunStarted{Mode: types.ModeExecute}})
	b.Publish(applied("r1", "tap", `{"x":1,"y":2}`))
	b.Publish(types.Event{RunID: "r1", Type: types.EventRunFinished, Payload: types.RunFinished{Status: types.StatusCompleted}})

	recs := readRecords(t, buf)
	require.Len(t, recs, 3)
	assert.Equal(t, types.EventRunStarted, recs[0].Type)
	assert.Equal(t, "r1", recs[1].RunID)
	assert.NotEmpty(t, recs[1].EventID)
	assert.NotEmpty(t, recs[1].Timestamp)
	for _, r := range recs {
		assert.Equal(t, AnomalyNone, r.Anomaly)
	}
}

func TestHandle_FlagsRepeatedAction(t *testing.T) {
	_, b, buf := newTestAuditor(t)
	for i := 0; i < RepeatThreshold; i++ {
		b.Publish(applied("r1", "tap", `{"x":5,"y":5}`))
	}

	recs := readRecords(t, buf)
	require.Len(t, recs, RepeatThreshold)
	assert.Equal(t, AnomalyNone, recs[RepeatThreshold-2].Anomaly)
	last := recs[RepeatThreshold-1]
	assert.Equal(t, AnomalyRepeatedAction, last.Anomaly)
	assert.Contains(t, last.Detail, "3 times in a row")
}

func TestHandle_DifferentArgumentsResetStreak(t *testing.T) {
	_, b, buf := newTestAuditor(t)
	b.Publish(applied("r1", "tap", `{"x":5,"y":5}`))
	b.Publish(applied("r1", "tap", `{"x":5,"y":5}`))
	b.Publish(applied("r1", "tap", `{"x":6,"y":5}`))
	b.Publish(applied("r1", "tap", `{"x":6,"y":5}`))

	for _, r := range readRecords(t, buf) {
		assert.Equal(t, AnomalyNone, r.Anomaly)
	}
}

func TestHandle_StreaksArePerRun(t *testing.T) {
	_, b, buf := newTestAuditor(t)
	b.Publish(applied("r1", "swipe", `{"direction":"up"}`))
	b.Publish(applied("r2", "swipe", `{"direction":"up"}`))
	b.Publish(applied("r1", "swipe", `{"direction":"up"}`))
	b.Publish(applied("r2", "swipe", `{"direction":"up"}`))

	for _, r := range readRecords(t, buf) {
		assert.Equal(t, AnomalyNone, r.Anomaly)
	}
}

func TestHandle_IgnoresControlActions(t *testing.T) {
	_, b, buf := newTestAuditor(t)
	for i := 0; i < RepeatThreshold+1; i++ {
		b.Publish(applied("r1", types.ActionSleep, `{"duration":1}`))
	}
	for _, r := range readRecords(t, buf) {
		assert.Equal(t, AnomalyNone, r.Anomaly)
	}
}

func TestHandle_RunFinishedClearsStreak(t *testing.T) {
	a, b, _ := newTestAuditor(t)
	b.Publish(applied("r1", "tap", `{}`))
	b.Publish(types.Event{RunID: "r1", Type: types.EventRunFinished, Payload: types.RunFinished{}})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.NotContains(t, a.streaks, "r1")
}

func TestOpen_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	a, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	b := bus.New()
	a.Attach(b)
	b.Publish(applied("r1", "tap", `{}`))
	require.NoError(t, a.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Len(t, readRecords(t, f), 1)
}
