// Package ui renders agent events as a live run view on a terminal.
package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"

	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/types"
)

// statusCols keeps the spinner line inside an 80-column terminal so that
// "\r\033[K" can overwrite it without wrapping.
const statusCols = 54

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

var actionIcon = map[string]string{
	types.ActionTap:            "👆",
	types.ActionDrag:           "✋",
	types.ActionSwipe:          "👉",
	types.ActionScroll:         "📜",
	types.ActionTypeText:       "⌨️ ",
	types.ActionSleep:          "💤",
	types.ActionReportProgress: "📝",
	types.ActionTaskCompleted:  "🏁",
}

// Display prints one box per run: a header, a line per applied or skipped
// action, progress notes and a footer with the outcome. Between events a
// spinner shows what the agent is waiting on.
type Display struct {
	out *termenv.Output

	mu      sync.Mutex
	status  string
	started time.Time
	inRun   bool
	spinIdx int
}

// New creates a Display writing to w. Colors follow what w supports.
func New(w io.Writer, opts ...termenv.OutputOption) *Display {
	return &Display{out: termenv.NewOutput(w, opts...)}
}

// Attach taps b so that every event is rendered.
func (d *Display) Attach(b *bus.Bus) {
	b.Tap(d.Handle)
}

// Handle renders one event. Safe to call from any goroutine.
func (d *Display) Handle(ev types.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch p := ev.Payload.(type) {
	case types.RunStarted:
		d.startRun(p)
	case types.StepStarted:
		d.clearLine()
		d.status = fmt.Sprintf("step %d: reading the screen...", p.Step)
	case types.ActionApplied:
		d.clearLine()
		d.printf("  %s %s\n", icon(p.Action.Name), d.styled(actionLabel(p.Action), "6"))
		d.status = "applying actions..."
	case types.ActionSkipped:
		d.clearLine()
		d.printf("  %s %s\n", "⏭️ ", d.dim(clipCols(fmt.Sprintf("skipped %s: %s", p.Action.Name, p.Reason), 70)))
	case types.Progress:
		d.clearLine()
		d.printf("  %s %s\n", icon(types.ActionReportProgress), d.styled(clipCols(p.Entry, 70), "3"))
	case types.RunFinished:
		d.clearLine()
		d.endRun(p)
	}
}

// Run animates the spinner until ctx is done.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.clearLine()
			d.mu.Unlock()
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.inRun {
				frame := spinRunes[d.spinIdx%len(spinRunes)]
				d.spinIdx++
				d.printf("\r%s %s", d.styled(string(frame), "6"), clipCols(d.status, statusCols))
			}
			d.mu.Unlock()
		}
	}
}

func (d *Display) startRun(p types.RunStarted) {
	d.started = time.Now()
	d.inRun = true
	d.status = "initializing..."
	title := fmt.Sprintf("⚡ %s %s", p.Mode, p.Platform)
	d.printf("\n%s\n", d.dim("┌─── "+title+" "+strings.Repeat("─", 40)))
	if p.Instruction != "" {
		d.printf("  %s\n", d.bold(clipCols(p.Instruction, 72)))
	}
}

func (d *Display) endRun(p types.RunFinished) {
	d.inRun = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	detail := p.Result
	switch p.Status {
	case types.StatusFailed:
		icon = "❌"
		detail = p.Error
	case types.StatusStepLimit:
		icon = "⏱️ "
		detail = p.Error
	}
	line := fmt.Sprintf("└─── %s  %v  %d step(s)", icon, elapsed, p.Steps)
	if detail != "" {
		line += "  " + clipCols(detail, 50)
	}
	d.printf("%s\n", d.dim(line))
}

func (d *Display) clearLine() {
	if d.inRun {
		d.printf("\r\033[K")
	}
}

func (d *Display) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

func (d *Display) styled(s, color string) string {
	return d.out.String(s).Foreground(d.out.Color(color)).String()
}

func (d *Display) dim(s string) string {
	return d.out.String(s).Faint().String()
}

func (d *Display) bold(s string) string {
	return d.out.String(s).Bold().String()
}

func icon(name string) string {
	if e, ok := actionIcon[name]; ok {
		return e
	}
	return "•"
}

// actionLabel renders an action as "name args" with the arguments clipped.
func actionLabel(a types.Action) string {
	args := strings.TrimSpace(a.Arguments)
	if args == "" || args == "{}" {
		return a.Name
	}
	return a.Name + " " + clipCols(args, 60)
}

// clipCols truncates s to at most cols terminal columns, appending "…" when
// trimmed. Double-width runes count as two columns.
func clipCols(s string, cols int) string {
	if runewidth.StringWidth(s) <= cols {
		return s
	}
	return runewidth.Truncate(s, cols, "…")
}
