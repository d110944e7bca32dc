package driver

// ActionSequence is one W3C input source with its ticks.
type ActionSequence struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Actions    []map[string]any  `json:"actions"`
}

func finger(steps ...map[string]any) ActionSequence {
	return ActionSequence{
		Type:       "pointer",
		ID:         "finger1",
		Parameters: map[string]string{"pointerType": "touch"},
		Actions:    steps,
	}
}

func move(x, y float64, durationMs int) map[string]any {
	return map[string]any{"type": "pointerMove", "duration": durationMs, "x": int(x), "y": int(y), "origin": "viewport"}
}

func down() map[string]any {
	return map[string]any{"type": "pointerDown", "button": 0}
}

func up() map[string]any {
	return map[string]any{"type": "pointerUp", "button": 0}
}

func pause(durationMs int) map[string]any {
	return map[string]any{"type": "pause", "duration": durationMs}
}

// TouchTap presses and releases one finger at (x, y), holding for holdMs.
func TouchTap(x, y float64, holdMs int) ActionSequence {
	return finger(move(x, y, 0), down(), pause(holdMs), up())
}

// TouchDrag presses at the start point, moves to the end point over
// durationMs and releases.
func TouchDrag(startX, startY, endX, endY float64, durationMs int) ActionSequence {
	return finger(move(startX, startY, 0), down(), move(endX, endY, durationMs), up())
}
