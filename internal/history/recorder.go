package history

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/types"
)

// Recorder builds Run records from bus events and journals them: once when a
// run starts and again when it finishes.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*types.Run
}

// NewRecorder subscribes a Recorder to b.
func NewRecorder(b *bus.Bus, store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{store: store, logger: logger.Named("history"), runs: make(map[string]*types.Run)}
	b.Subscribe(types.EventRunStarted, r.onStarted)
	b.Subscribe(types.EventActionApplied, r.onAction)
	b.Subscribe(types.EventProgress, r.onProgress)
	b.Subscribe(types.EventRunFinished, r.onFinished)
	return r
}

func (r *Recorder) onStarted(ev types.Event) {
	p, ok := ev.Payload.(types.RunStarted)
	if !ok {
		return
	}
	run := &types.Run{
		ID:          ev.RunID,
		Mode:        p.Mode,
		Instruction: p.Instruction,
		Platform:    p.Platform,
		Status:      types.StatusRunning,
		Actions:     []types.Action{},
		Progress:    []string{},
		StartedAt:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	r.mu.Lock()
	r.runs[ev.RunID] = run
	snapshot := *run
	r.mu.Unlock()
	r.put(snapshot)
}

func (r *Recorder) onAction(ev types.Event) {
	p, ok := ev.Payload.(types.ActionApplied)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if run := r.runs[ev.RunID]; run != nil {
		run.Actions = append(run.Actions, p.Action)
	}
}

func (r *Recorder) onProgress(ev types.Event) {
	p, ok := ev.Payload.(types.Progress)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if run := r.runs[ev.RunID]; run != nil {
		run.Progress = append(run.Progress, p.Entry)
	}
}

func (r *Recorder) onFinished(ev types.Event) {
	p, ok := ev.Payload.(types.RunFinished)
	if !ok {
		return
	}
	r.mu.Lock()
	run := r.runs[ev.RunID]
	delete(r.runs, ev.RunID)
	r.mu.Unlock()
	if run == nil {
		return
	}
	run.Status = p.Status
	run.Steps = p.Steps
	run.Result = p.Result
	run.Error = p.Error
	run.FinishedAt = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	r.put(*run)
}

func (r *Recorder) put(run types.Run) {
	if err := r.store.Put(run); err != nil {
		r.logger.Warn("Failed to journal run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
