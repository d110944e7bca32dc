package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the mobile OS a device session drives.
type Platform string

const (
	PlatformAndroid Platform = "Android"
	PlatformIOS     Platform = "iOS"
)

// ParsePlatform maps a case-insensitive platform name onto a Platform.
//
// Expectations:
//   - Accepts "android" and "ios" in any case
//   - Returns ("", false) for anything else, including ""
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(s) {
	case "android":
		return PlatformAndroid, true
	case "ios":
		return PlatformIOS, true
	}
	return "", false
}

// Action names understood by the dispatch loop.
const (
	ActionTap            = "tap"
	ActionDrag           = "drag"
	ActionSwipe          = "swipe"
	ActionScroll         = "scroll"
	ActionTypeText       = "type_text"
	ActionSleep          = "sleep"
	ActionReportProgress = "report_progress"
	ActionTaskCompleted  = "task_completed"
)

// Action is one named operation returned by the decision service.
// Arguments holds the JSON-encoded argument mapping.
type Action struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnmarshalJSON accepts arguments either as a JSON string (the wire contract)
// or as an inline JSON object.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Name = raw.Name
	args := bytes.TrimSpace(raw.Arguments)
	switch {
	case len(args) == 0 || bytes.Equal(args, []byte("null")):
		a.Arguments = "{}"
	case args[0] == '"':
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return fmt.Errorf("action %q: arguments: %w", raw.Name, err)
		}
		a.Arguments = s
	default:
		a.Arguments = string(args)
	}
	return nil
}

// Decode unmarshals Arguments into v.
func (a Action) Decode(v any) error {
	args := a.Arguments
	if args == "" {
		args = "{}"
	}
	return json.Unmarshal([]byte(args), v)
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s", a.Name, a.Arguments)
}

// TapArgs, DragArgs, DirectionArgs, TypeTextArgs and SleepArgs are the argument
// shapes of the device actions. Coordinates are device points.
type TapArgs struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DragArgs struct {
	StartX float64 `json:"startX"`
	StartY float64 `json:"startY"`
	EndX   float64 `json:"endX"`
	EndY   float64 `json:"endY"`
}

type DirectionArgs struct {
	Direction string `json:"direction"`
}

type TypeTextArgs struct {
	Text string `json:"text"`
}

// SleepArgs.Duration is in seconds.
type SleepArgs struct {
	Duration float64 `json:"duration"`
}

type ProgressArgs struct {
	Progress string `json:"progress"`
}

type CompletedArgs struct {
	Result string `json:"result"`
}

// ScreenSize is the device window size reported by the driver.
type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Bounds is an element rectangle in device points.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Element is one node of the accessibility tree that carries something a
// model can refer to.
type Element struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Label      string `json:"label,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Bounds     Bounds `json:"bounds"`
	Enabled    bool   `json:"enabled"`
	Clickable  bool   `json:"clickable,omitempty"`
}

// ExecuteRequest is the body of a single-shot instruction.
type ExecuteRequest struct {
	Action     string     `json:"action"`
	ScreenSize ScreenSize `json:"screen_size"`
	Screenshot string     `json:"screenshot"`
	Platform   Platform   `json:"platform"`
	Elements   []Element  `json:"elements,omitempty"`
}

// TaskRequest is the body of one step of a multi-step task.
type TaskRequest struct {
	Task       string     `json:"task"`
	ScreenSize ScreenSize `json:"screen_size"`
	Screenshot string     `json:"screenshot"`
	Platform   Platform   `json:"platform"`
	Elements   []Element  `json:"elements,omitempty"`
	Progress   []string   `json:"progress"`
}

// RunMode distinguishes single-shot executions from multi-step tasks.
type RunMode string

const (
	ModeExecute RunMode = "execute"
	ModeTask    RunMode = "task"
)

// RunStatus is the terminal (or current) state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusStepLimit RunStatus = "step_limit"
)

// EventType identifies the payload type of a bus event.
type EventType string

const (
	EventRunStarted    EventType = "RunStarted"
	EventStepStarted   EventType = "StepStarted"
	EventActionApplied EventType = "ActionApplied"
	EventActionSkipped EventType = "ActionSkipped"
	EventProgress      EventType = "Progress"
	EventRunFinished   EventType = "RunFinished"
)

// Event is the envelope for everything the agent reports while running.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
}

// RunStarted is published once per run before the first capture.
type RunStarted struct {
	Mode        RunMode  `json:"mode"`
	Instruction string   `json:"instruction"`
	Platform    Platform `json:"platform"`
	MaxSteps    int      `json:"max_steps,omitempty"`
}

// StepStarted is published at the top of every loop iteration.
type StepStarted struct {
	Step int `json:"step"`
}

// ActionApplied is published after an action reached the device (or, for
// control actions, was recorded).
type ActionApplied struct {
	Step   int    `json:"step"`
	Action Action `json:"action"`
}

// ActionSkipped is published when an unrecognised action is ignored.
type ActionSkipped struct {
	Step   int    `json:"step"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Progress is published for every report_progress action.
type Progress struct {
	Step  int    `json:"step"`
	Entry string `json:"entry"`
}

// RunFinished closes a run.
type RunFinished struct {
	Status   RunStatus `json:"status"`
	Steps    int       `json:"steps"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Progress []string  `json:"progress,omitempty"`
}

// Run is the journaled record of one Execute or Task invocation.
type Run struct {
	ID          string    `json:"id"`
	Mode        RunMode   `json:"mode"`
	Instruction string    `json:"instruction"`
	Platform    Platform  `json:"platform"`
	Status      RunStatus `json:"status"`
	Steps       int       `json:"steps"`
	Actions     []Action  `json:"actions"`
	Progress    []string  `json:"progress"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   string    `json:"started_at"`
	FinishedAt  string    `json:"finished_at,omitempty"`
}
