// Package audit taps the event bus read-only and writes every event as one
// JSON line, flagging runs that keep applying the same action.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/tools"
	"github.com/haricheung/qaml/internal/types"
)

// RepeatThreshold is how many identical consecutive actions within one run
// mark the run as stuck.
const RepeatThreshold = 3

// Anomaly values written to the trail.
const (
	AnomalyNone           = "none"
	AnomalyRepeatedAction = "repeated_action"
)

// Record is one line of the audit trail.
type Record struct {
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	RunID     string          `json:"run_id"`
	Type      types.EventType `json:"type"`
	Payload   any             `json:"payload,omitempty"`
	Anomaly   string          `json:"anomaly"`
	Detail    string          `json:"detail,omitempty"`
}

type streak struct {
	signature string
	count     int
}

// Auditor writes Records for every event it is handed.
type Auditor struct {
	w      io.WriteCloser
	logger *zap.Logger

	mu      sync.Mutex
	streaks map[string]*streak // run id → current identical-action streak
}

// Open creates an Auditor appending to path, rotated at 10 MB.
func Open(path string, logger *zap.Logger) (*Auditor, error) {
	path = tools.ExpandHome(path)
	if err := tools.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}, logger), nil
}

// New creates an Auditor writing to w.
func New(w io.WriteCloser, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{w: w, logger: logger.Named("audit"), streaks: make(map[string]*streak)}
}

// Attach taps b.
func (a *Auditor) Attach(b *bus.Bus) {
	b.Tap(a.Handle)
}

// Handle writes one Record for ev.
func (a *Auditor) Handle(ev types.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := Record{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		RunID:     ev.RunID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		Anomaly:   AnomalyNone,
	}

	switch p := ev.Payload.(type) {
	case types.ActionApplied:
		if detail := a.trackRepeat(ev.RunID, p.Action); detail != "" {
			rec.Anomaly = AnomalyRepeatedAction
			rec.Detail = detail
			a.logger.Warn("Run is repeating the same action",
				zap.String("run_id", ev.RunID),
				zap.String("action", p.Action.Name),
				zap.String("detail", detail))
		}
	case types.RunFinished:
		delete(a.streaks, ev.RunID)
	}

	a.write(rec)
}

// Close flushes and closes the trail.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Close()
}

// trackRepeat returns a non-empty detail once the same action has been
// applied RepeatThreshold or more times in a row. Control actions do not
// touch the screen and are ignored.
func (a *Auditor) trackRepeat(runID string, action types.Action) string {
	switch action.Name {
	case types.ActionReportProgress, types.ActionTaskCompleted, types.ActionSleep:
		return ""
	}
	sig := action.String()
	s := a.streaks[runID]
	if s == nil || s.signature != sig {
		a.streaks[runID] = &streak{signature: sig, count: 1}
		return ""
	}
	s.count++
	if s.count < RepeatThreshold {
		return ""
	}
	return fmt.Sprintf("%s applied %d times in a row", sig, s.count)
}

func (a *Auditor) write(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		a.logger.Error("Failed to marshal audit record", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		a.logger.Error("Failed to write audit record", zap.Error(err))
	}
}
