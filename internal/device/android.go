package device

import (
	"context"
	"fmt"

	"github.com/haricheung/qaml/internal/driver"
	"github.com/haricheung/qaml/internal/tools"
	"github.com/haricheung/qaml/internal/types"
)

const (
	tapHoldMs      = 1
	dragDurationMs = 1
	// swipeInset is the fraction of each edge excluded from the swipe box.
	swipeInset = 0.2
)

// Android drives a UiAutomator2 session. Text goes through adb because
// UiAutomator2 key input needs a focused element.
type Android struct {
	base
	serial    string
	inputText func(ctx context.Context, serial, text string) error
}

var _ Device = (*Android)(nil)

func newAndroid(ctx context.Context, drv Driver, owned bool, opts Options) (*Android, error) {
	b, err := newBase(ctx, drv, types.PlatformAndroid, owned, opts)
	if err != nil {
		return nil, err
	}
	return &Android{base: b, serial: opts.Serial, inputText: tools.ADBInputText}, nil
}

// Tap presses one finger at (x, y).
func (a *Android) Tap(ctx context.Context, x, y float64) error {
	if err := a.drv.PerformActions(ctx, driver.TouchTap(x, y, tapHoldMs)); err != nil {
		return fmt.Errorf("device: tap: %w", err)
	}
	return nil
}

// Drag presses at the start point and releases at the end point.
func (a *Android) Drag(ctx context.Context, startX, startY, endX, endY float64) error {
	if err := a.drv.PerformActions(ctx, driver.TouchDrag(startX, startY, endX, endY, dragDurationMs)); err != nil {
		return fmt.Errorf("device: drag: %w", err)
	}
	return nil
}

// Swipe runs a full-length swipe gesture over the centred 60% of the screen.
func (a *Android) Swipe(ctx context.Context, direction string) error {
	if err := checkDirection(direction); err != nil {
		return err
	}
	w, h := float64(a.size.Width), float64(a.size.Height)
	_, err := a.drv.ExecuteScript(ctx, "mobile: swipeGesture", map[string]any{
		"left":      w * swipeInset,
		"top":       h * swipeInset,
		"width":     w * (1 - 2*swipeInset),
		"height":    h * (1 - 2*swipeInset),
		"direction": direction,
		"percent":   1.0,
	})
	if err != nil {
		return fmt.Errorf("device: swipe %s: %w", direction, err)
	}
	return nil
}

// Scroll moves content toward direction by swiping the opposite way.
func (a *Android) Scroll(ctx context.Context, direction string) error {
	swipe, err := ScrollDirection(direction)
	if err != nil {
		return err
	}
	return a.Swipe(ctx, swipe)
}

// TypeText types into whatever has focus.
func (a *Android) TypeText(ctx context.Context, text string) error {
	if err := a.inputText(ctx, a.serial, text); err != nil {
		return fmt.Errorf("device: type text: %w", err)
	}
	return nil
}
