// Package agent runs the capture → decide → act loop against one device.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/decision"
	"github.com/haricheung/qaml/internal/device"
	"github.com/haricheung/qaml/internal/screen"
	"github.com/haricheung/qaml/internal/types"
)

// DefaultMaxSteps bounds a task when Config.MaxSteps is not set.
const DefaultMaxSteps = 30

// Decider is the remote service that picks actions. *decision.Client satisfies it.
type Decider interface {
	Execute(ctx context.Context, req types.ExecuteRequest) (*decision.Response, error)
	Task(ctx context.Context, req types.TaskRequest) (*decision.Response, error)
}

var _ Decider = (*decision.Client)(nil)

// Config tunes the loop.
type Config struct {
	MaxSteps          int
	IncludeElements   bool // send the accessibility elements with every request
	ScreenshotMaxSide int
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l.Named("agent") }
}

// OnAction registers a callback invoked after every applied action.
func OnAction(fn func(types.Action)) Option {
	return func(a *Agent) { a.onAction = fn }
}

// OnResponse registers a callback receiving every raw decision response body.
func OnResponse(fn func([]byte)) Option {
	return func(a *Agent) { a.onResponse = fn }
}

// Agent drives one device with one decision client. It is not safe for
// concurrent use: a device session runs one gesture at a time.
type Agent struct {
	dev        device.Device
	decider    Decider
	bus        *bus.Bus
	cfg        Config
	logger     *zap.Logger
	onAction   func(types.Action)
	onResponse func([]byte)
	sleep      func(context.Context, time.Duration) error
	handlers   map[string]handler
}

// New creates an Agent. b may be nil.
func New(dev device.Device, decider Decider, b *bus.Bus, cfg Config, opts ...Option) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ScreenshotMaxSide <= 0 {
		cfg.ScreenshotMaxSide = screen.DefaultMaxSide
	}
	a := &Agent{
		dev:     dev,
		decider: decider,
		bus:     b,
		cfg:     cfg,
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, o := range opts {
		o(a)
	}
	a.handlers = a.deviceHandlers()
	return a
}

// ExecuteResult is the outcome of a single-shot instruction.
type ExecuteResult struct {
	RunID   string
	Actions []types.Action
}

// TaskResult is the outcome of a completed task.
type TaskResult struct {
	RunID    string
	Steps    int
	Result   string
	Progress []string
}

// Execute captures the screen once, asks the service how to carry out
// instruction, and applies every returned action in order.
//
// Expectations:
//   - Makes exactly one decision request
//   - Applies actions in the order returned
//   - Returns an *ActionError wrapping ErrUnknownAction for an unrecognised name
//   - Stops at the first failing action; later actions are not applied
func (a *Agent) Execute(ctx context.Context, instruction string) (*ExecuteResult, error) {
	runID := uuid.New().String()
	a.publish(runID, types.EventRunStarted, types.RunStarted{
		Mode:        types.ModeExecute,
		Instruction: instruction,
		Platform:    a.dev.Platform(),
	})
	a.logger.Info("Executing instruction", zap.String("run_id", runID), zap.String("instruction", instruction))

	res := &ExecuteResult{RunID: runID}
	err := a.execute(ctx, runID, instruction, res)
	a.finish(runID, 1, "", nil, err)
	return res, err
}

func (a *Agent) execute(ctx context.Context, runID, instruction string, res *ExecuteResult) error {
	a.publish(runID, types.EventStepStarted, types.StepStarted{Step: 1})
	c, err := a.capture(ctx)
	if err != nil {
		return err
	}
	resp, err := a.decider.Execute(ctx, types.ExecuteRequest{
		Action:     instruction,
		ScreenSize: c.size,
		Screenshot: c.screenshot,
		Platform:   a.dev.Platform(),
		Elements:   c.elements,
	})
	if err != nil {
		return fmt.Errorf("agent: execute: %w", err)
	}
	a.response(resp.Raw)

	for _, action := range resp.Actions {
		h, ok := a.handlers[action.Name]
		if !ok {
			return &ActionError{Step: 1, Action: action, Err: ErrUnknownAction}
		}
		if err := a.apply(ctx, runID, 1, action, h); err != nil {
			return err
		}
		res.Actions = append(res.Actions, action)
	}
	return nil
}

// Task works toward task step by step. Each step captures the screen, sends
// it with the progress reported so far, and applies the returned batch.
//
// Expectations:
//   - report_progress appends its text to the progress record
//   - task_completed ends the task after the rest of its batch is applied
//   - Unrecognised action names are logged, published as skipped and ignored
//   - Returns *StepLimitError carrying the progress when MaxSteps run out
//   - Malformed arguments stop the task with an *ActionError
func (a *Agent) Task(ctx context.Context, task string) (*TaskResult, error) {
	runID := uuid.New().String()
	a.publish(runID, types.EventRunStarted, types.RunStarted{
		Mode:        types.ModeTask,
		Instruction: task,
		Platform:    a.dev.Platform(),
		MaxSteps:    a.cfg.MaxSteps,
	})
	a.logger.Info("Starting task", zap.String("run_id", runID), zap.String("task", task), zap.Int("max_steps", a.cfg.MaxSteps))

	res := &TaskResult{RunID: runID, Progress: []string{}}
	err := a.task(ctx, runID, task, res)
	a.finish(runID, res.Steps, res.Result, res.Progress, err)
	return res, err
}

func (a *Agent) task(ctx context.Context, runID, task string, res *TaskResult) error {
	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Steps = step
		a.publish(runID, types.EventStepStarted, types.StepStarted{Step: step})

		c, err := a.capture(ctx)
		if err != nil {
			return err
		}
		resp, err := a.decider.Task(ctx, types.TaskRequest{
			Task:       task,
			ScreenSize: c.size,
			Screenshot: c.screenshot,
			Platform:   a.dev.Platform(),
			Elements:   c.elements,
			Progress:   append([]string{}, res.Progress...),
		})
		if err != nil {
			return fmt.Errorf("agent: task step %d: %w", step, err)
		}
		a.response(resp.Raw)
		a.logger.Debug("Step actions", zap.Int("step", step), zap.Int("count", len(resp.Actions)))

		completed := false
		for _, action := range resp.Actions {
			switch action.Name {
			case types.ActionReportProgress:
				var args types.ProgressArgs
				if err := action.Decode(&args); err != nil {
					return &ActionError{Step: step, Action: action, Err: err}
				}
				res.Progress = append(res.Progress, args.Progress)
				a.publish(runID, types.EventProgress, types.Progress{Step: step, Entry: args.Progress})
				a.applied(runID, step, action)
			case types.ActionTaskCompleted:
				var args types.CompletedArgs
				if err := action.Decode(&args); err != nil {
					return &ActionError{Step: step, Action: action, Err: err}
				}
				completed = true
				res.Result = args.Result
				a.applied(runID, step, action)
			default:
				h, ok := a.handlers[action.Name]
				if !ok {
					a.logger.Warn("Skipping unknown action", zap.Int("step", step), zap.String("action", action.Name))
					a.publish(runID, types.EventActionSkipped, types.ActionSkipped{Step: step, Action: action, Reason: ErrUnknownAction.Error()})
					continue
				}
				if err := a.apply(ctx, runID, step, action, h); err != nil {
					return err
				}
			}
		}
		if completed {
			a.logger.Info("Task completed", zap.String("run_id", runID), zap.Int("steps", step), zap.String("result", res.Result))
			return nil
		}
	}
	return &StepLimitError{MaxSteps: a.cfg.MaxSteps, Progress: append([]string{}, res.Progress...)}
}

type snapshot struct {
	screenshot string
	size       types.ScreenSize
	elements   []types.Element
}

// capture grabs and downsizes the screen and, when enabled, the elements.
// Elements are best effort: a failing page-source read is logged and skipped.
func (a *Agent) capture(ctx context.Context) (snapshot, error) {
	raw, err := a.dev.Screenshot(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("agent: capture: %w", err)
	}
	shot, err := screen.Prepare(raw, a.cfg.ScreenshotMaxSide)
	if err != nil {
		return snapshot{}, fmt.Errorf("agent: capture: %w", err)
	}
	c := snapshot{screenshot: shot, size: a.dev.ScreenSize()}
	if a.cfg.IncludeElements {
		els, err := a.dev.Elements(ctx)
		if err != nil {
			a.logger.Warn("Element capture failed; continuing with the screenshot only", zap.Error(err))
		} else {
			c.elements = els
		}
	}
	return c, nil
}

func (a *Agent) apply(ctx context.Context, runID string, step int, action types.Action, h handler) error {
	a.logger.Debug("Applying action", zap.Int("step", step), zap.String("action", action.Name), zap.String("arguments", action.Arguments))
	if err := h(ctx, action); err != nil {
		return &ActionError{Step: step, Action: action, Err: err}
	}
	a.applied(runID, step, action)
	return nil
}

func (a *Agent) applied(runID string, step int, action types.Action) {
	a.publish(runID, types.EventActionApplied, types.ActionApplied{Step: step, Action: action})
	if a.onAction != nil {
		a.onAction(action)
	}
}

func (a *Agent) response(raw []byte) {
	if a.onResponse != nil {
		a.onResponse(raw)
	}
}

func (a *Agent) finish(runID string, steps int, result string, progress []string, err error) {
	fin := types.RunFinished{Status: types.StatusCompleted, Steps: steps, Result: result, Progress: progress}
	var limit *StepLimitError
	switch {
	case errors.As(err, &limit):
		fin.Status = types.StatusStepLimit
		fin.Error = err.Error()
	case err != nil:
		fin.Status = types.StatusFailed
		fin.Error = err.Error()
		a.logger.Warn("Run failed", zap.String("run_id", runID), zap.Error(err))
	}
	a.publish(runID, types.EventRunFinished, fin)
}

func (a *Agent) publish(runID string, t types.EventType, payload any) {
	a.bus.Publish(types.Event{RunID: runID, Type: t, Payload: payload})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
