package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/decision"
	"github.com/haricheung/qaml/internal/device"
	"github.com/haricheung/qaml/internal/driver/drivertest"
	"github.com/haricheung/qaml/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeDevice struct {
	shot     string
	calls    []string
	elements []types.Element
	elemErr  error
	failOn   string
}

var _ device.Device = (*fakeDevice)(nil)

func (d *fakeDevice) record(call string) error {
	d.calls = append(d.calls, call)
	if d.failOn != "" && d.failOn == call {
		return errors.New("device rejected " + call)
	}
	return nil
}

func (d *fakeDevice) Platform() types.Platform     { return types.PlatformAndroid }
func (d *fakeDevice) ScreenSize() types.ScreenSize { return types.ScreenSize{Width: 1080, Height: 2400} }

func (d *fakeDevice) Screenshot(context.Context) (string, error) { return d.shot, nil }

func (d *fakeDevice) Elements(context.Context) ([]types.Element, error) {
	return d.elements, d.elemErr
}

func (d *fakeDevice) Tap(_ context.Context, x, y float64) error {
	return d.record(fmt.Sprintf("tap %g,%g", x, y))
}

func (d *fakeDevice) Drag(_ context.Context, sx, sy, ex, ey float64) error {
	return d.record(fmt.Sprintf("drag %g,%g→%g,%g", sx, sy, ex, ey))
}

func (d *fakeDevice) Swipe(_ context.Context, dir string) error {
	return d.record("swipe " + dir)
}

func (d *fakeDevice) Scroll(_ context.Context, dir string) error {
	return d.record("scroll " + dir)
}

func (d *fakeDevice) TypeText(_ context.Context, text string) error {
	return d.record("type " + text)
}

func (d *fakeDevice) Close(context.Context) error { return nil }

// fakeDecider answers each request with the next scripted batch; once the
// script runs out it repeats the last batch.
type fakeDecider struct {
	batches  [][]types.Action
	executes []types.ExecuteRequest
	tasks    []types.TaskRequest
	err      error
}

func (f *fakeDecider) next(n int) *decision.Response {
	if len(f.batches) == 0 {
		return &decision.Response{Raw: []byte("[]")}
	}
	if n >= len(f.batches) {
		n = len(f.batches) - 1
	}
	return &decision.Response{Actions: f.batches[n], Raw: []byte(fmt.Sprintf("batch %d", n))}
}

func (f *fakeDecider) Execute(_ context.Context, req types.ExecuteRequest) (*decision.Response, error) {
	f.executes = append(f.executes, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.next(len(f.executes) - 1), nil
}

func (f *fakeDecider) Task(_ context.Context, req types.TaskRequest) (*decision.Response, error) {
	f.tasks = append(f.tasks, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.next(len(f.tasks) - 1), nil
}

func act(name, args string) types.Action { return types.Action{Name: name, Arguments: args} }

func newTestAgent(t *testing.T, dec *fakeDecider, cfg Config, opts ...Option) (*Agent, *fakeDevice, *[]types.Event) {
	t.Helper()
	dev := &fakeDevice{shot: drivertest.SolidPNG(t, 54, 120)}
	b := bus.New()
	var events []types.Event
	b.Tap(func(ev types.Event) { events = append(events, ev) })
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	a := New(dev, dec, b, cfg, opts...)
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a, dev, &events
}

func eventTypes(events []types.Event) []types.EventType {
	out := make([]types.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

// ── Execute ──────────────────────────────────────────────────────────────────

func TestExecute_AppliesActionsInOrder(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{
		act("tap", `{"x": 10, "y": 20}`),
		act("type_text", `{"text": "hello"}`),
		act("swipe", `{"direction": "up"}`),
		act("scroll", `{"direction": "down"}`),
		act("drag", `{"startX": 1, "startY": 2, "endX": 3, "endY": 4}`),
		act("sleep", `{"duration": 0.5}`),
	}}}
	var observed []string
	a, dev, events := newTestAgent(t, dec, Config{}, OnAction(func(ac types.Action) { observed = append(observed, ac.Name) }))

	res, err := a.Execute(context.Background(), "fill the form")
	require.NoError(t, err)

	assert.Equal(t, []string{"tap 10,20", "type hello", "swipe up", "scroll down", "drag 1,2→3,4"}, dev.calls)
	assert.Equal(t, []string{"tap", "type_text", "swipe", "scroll", "drag", "sleep"}, observed)
	assert.Len(t, res.Actions, 6)

	require.Len(t, dec.executes, 1)
	req := dec.executes[0]
	assert.Equal(t, "fill the form", req.Action)
	assert.Equal(t, types.PlatformAndroid, req.Platform)
	assert.Equal(t, types.ScreenSize{Width: 1080, Height: 2400}, req.ScreenSize)
	assert.NotEmpty(t, req.Screenshot)
	assert.Nil(t, req.Elements)

	evs := *events
	assert.Equal(t, types.EventRunStarted, evs[0].Type)
	last := evs[len(evs)-1]
	assert.Equal(t, types.EventRunFinished, last.Type)
	assert.Equal(t, types.StatusCompleted, last.Payload.(types.RunFinished).Status)
	for _, ev := range evs {
		assert.Equal(t, res.RunID, ev.RunID)
	}
}

func TestExecute_UnknownActionIsError(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{
		act("tap", `{"x": 1, "y": 1}`),
		act("shake", `{}`),
		act("tap", `{"x": 2, "y": 2}`),
	}}}
	a, dev, events := newTestAgent(t, dec, Config{})

	_, err := a.Execute(context.Background(), "shake it")
	require.ErrorIs(t, err, ErrUnknownAction)
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "shake", actErr.Action.Name)
	assert.Equal(t, []string{"tap 1,1"}, dev.calls)

	evs := *events
	fin := evs[len(evs)-1].Payload.(types.RunFinished)
	assert.Equal(t, types.StatusFailed, fin.Status)
	assert.Contains(t, fin.Error, "unknown action")
}

func TestExecute_MalformedArguments(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{act("tap", `{"x": "left"}`)}}}
	a, dev, _ := newTestAgent(t, dec, Config{})

	_, err := a.Execute(context.Background(), "tap")
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "tap", actErr.Action.Name)
	assert.Empty(t, dev.calls)
}

func TestExecute_SleepOutOfRange(t *testing.T) {
	for _, args := range []string{`{"duration": 1e12}`, `{"duration": -1}`, `{"duration": 301}`} {
		dec := &fakeDecider{batches: [][]types.Action{{act("sleep", args)}}}
		var slept []time.Duration
		a, _, _ := newTestAgent(t, dec, Config{})
		a.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}

		_, err := a.Execute(context.Background(), "wait")
		var actErr *ActionError
		require.ErrorAs(t, err, &actErr, args)
		assert.ErrorIs(t, err, ErrInvalidArguments, args)
		assert.Empty(t, slept, args)
	}
}

func TestSleepDuration(t *testing.T) {
	d, err := sleepDuration(1.5)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = sleepDuration(math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidArguments)
	_, err = sleepDuration(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestExecute_DeciderError(t *testing.T) {
	dec := &fakeDecider{err: &decision.APIError{StatusCode: 401, Body: "bad key"}}
	a, _, _ := newTestAgent(t, dec, Config{})

	_, err := a.Execute(context.Background(), "tap")
	var apiErr *decision.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestExecute_SurfacesRawResponse(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{}}}
	var raw []string
	a, _, _ := newTestAgent(t, dec, Config{}, OnResponse(func(b []byte) { raw = append(raw, string(b)) }))

	_, err := a.Execute(context.Background(), "look")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch 0"}, raw)
}

func TestExecute_IncludesElements(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{}}}
	a, dev, _ := newTestAgent(t, dec, Config{IncludeElements: true})
	dev.elements = []types.Element{{Type: "Button", Label: "OK"}}

	_, err := a.Execute(context.Background(), "look")
	require.NoError(t, err)
	assert.Equal(t, dev.elements, dec.executes[0].Elements)
}

func TestExecute_ElementFailureIsNotFatal(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{}}}
	a, dev, _ := newTestAgent(t, dec, Config{IncludeElements: true})
	dev.elemErr = errors.New("source unavailable")

	_, err := a.Execute(context.Background(), "look")
	require.NoError(t, err)
	assert.Nil(t, dec.executes[0].Elements)
}

// ── Task ─────────────────────────────────────────────────────────────────────

func TestTask_TracksProgressUntilCompleted(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{
		{act("report_progress", `{"progress": "opened settings"}`), act("tap", `{"x": 5, "y": 5}`)},
		{act("report_progress", `{"progress": "enabled wifi"}`)},
		{act("task_completed", `{"result": "wifi is on"}`), act("sleep", `{"duration": 1}`)},
	}}
	a, dev, events := newTestAgent(t, dec, Config{MaxSteps: 10})

	res, err := a.Task(context.Background(), "turn on wifi")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, "wifi is on", res.Result)
	assert.Equal(t, []string{"opened settings", "enabled wifi"}, res.Progress)
	assert.Equal(t, []string{"tap 5,5"}, dev.calls)

	require.Len(t, dec.tasks, 3)
	assert.Equal(t, []string{}, dec.tasks[0].Progress)
	assert.Equal(t, []string{"opened settings"}, dec.tasks[1].Progress)
	assert.Equal(t, []string{"opened settings", "enabled wifi"}, dec.tasks[2].Progress)
	assert.Equal(t, "turn on wifi", dec.tasks[2].Task)

	evs := *events
	fin := evs[len(evs)-1].Payload.(types.RunFinished)
	assert.Equal(t, types.StatusCompleted, fin.Status)
	assert.Equal(t, 3, fin.Steps)
	assert.Equal(t, "wifi is on", fin.Result)
	assert.Contains(t, eventTypes(evs), types.EventProgress)
}

func TestTask_SkipsUnknownActions(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{
		act("shake", `{}`),
		act("tap", `{"x": 1, "y": 2}`),
		act("task_completed", `{"result": "done"}`),
	}}}
	a, dev, events := newTestAgent(t, dec, Config{})

	res, err := a.Task(context.Background(), "do it")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Result)
	assert.Equal(t, []string{"tap 1,2"}, dev.calls)

	var skipped []types.ActionSkipped
	for _, ev := range *events {
		if ev.Type == types.EventActionSkipped {
			skipped = append(skipped, ev.Payload.(types.ActionSkipped))
		}
	}
	require.Len(t, skipped, 1)
	assert.Equal(t, "shake", skipped[0].Action.Name)
}

func TestTask_StepLimit(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{
		{act("report_progress", `{"progress": "tried once"}`)},
		{act("swipe", `{"direction": "up"}`)},
	}}
	a, dev, events := newTestAgent(t, dec, Config{MaxSteps: 3})

	res, err := a.Task(context.Background(), "find the unicorn")
	var limit *StepLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 3, limit.MaxSteps)
	assert.Equal(t, []string{"tried once"}, limit.Progress)
	assert.Contains(t, err.Error(), "3 steps")
	assert.Equal(t, 3, res.Steps)
	assert.Len(t, dec.tasks, 3)
	assert.Equal(t, []string{"swipe up", "swipe up"}, dev.calls)

	evs := *events
	fin := evs[len(evs)-1].Payload.(types.RunFinished)
	assert.Equal(t, types.StatusStepLimit, fin.Status)
}

func TestTask_MalformedControlArguments(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{act("report_progress", `not json`)}}}
	a, _, _ := newTestAgent(t, dec, Config{})

	_, err := a.Task(context.Background(), "x")
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "report_progress", actErr.Action.Name)
	assert.Len(t, dec.tasks, 1)
}

func TestTask_DeviceFailureStops(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{act("swipe", `{"direction": "up"}`)}}}
	a, dev, _ := newTestAgent(t, dec, Config{MaxSteps: 5})
	dev.failOn = "swipe up"

	_, err := a.Task(context.Background(), "x")
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, 1, actErr.Step)
	assert.Len(t, dec.tasks, 1)
}

func TestTask_CancelledContext(t *testing.T) {
	dec := &fakeDecider{batches: [][]types.Action{{act("swipe", `{"direction": "up"}`)}}}
	a, _, _ := newTestAgent(t, dec, Config{MaxSteps: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Task(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dec.tasks)
}

func TestNew_Defaults(t *testing.T) {
	a := New(&fakeDevice{}, &fakeDecider{}, nil, Config{})
	assert.Equal(t, DefaultMaxSteps, a.cfg.MaxSteps)
	assert.Equal(t, 960, a.cfg.ScreenshotMaxSide)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), 0))
}
