package device

import (
	"context"
	"fmt"

	"github.com/haricheung/qaml/internal/driver"
	"github.com/haricheung/qaml/internal/types"
)

// applicationPredicate matches the foreground application element, which
// forwards typed keys to the focused field.
const applicationPredicate = "type == 'XCUIElementTypeApplication'"

// IOS drives an XCUITest session through mobile: commands.
type IOS struct {
	base
}

var _ Device = (*IOS)(nil)

func newIOS(ctx context.Context, drv Driver, owned bool, opts Options) (*IOS, error) {
	b, err := newBase(ctx, drv, types.PlatformIOS, owned, opts)
	if err != nil {
		return nil, err
	}
	return &IOS{base: b}, nil
}

func (d *IOS) Tap(ctx context.Context, x, y float64) error {
	if _, err := d.drv.ExecuteScript(ctx, "mobile: tap", map[string]any{"x": x, "y": y}); err != nil {
		return fmt.Errorf("device: tap: %w", err)
	}
	return nil
}

func (d *IOS) Drag(ctx context.Context, startX, startY, endX, endY float64) error {
	_, err := d.drv.ExecuteScript(ctx, "mobile: dragFromToForDuration", map[string]any{
		"fromX":    startX,
		"fromY":    startY,
		"toX":      endX,
		"toY":      endY,
		"duration": 1,
	})
	if err != nil {
		return fmt.Errorf("device: drag: %w", err)
	}
	return nil
}

func (d *IOS) Swipe(ctx context.Context, direction string) error {
	if err := checkDirection(direction); err != nil {
		return err
	}
	if _, err := d.drv.ExecuteScript(ctx, "mobile: swipe", map[string]any{"direction": direction}); err != nil {
		return fmt.Errorf("device: swipe %s: %w", direction, err)
	}
	return nil
}

func (d *IOS) Scroll(ctx context.Context, direction string) error {
	swipe, err := ScrollDirection(direction)
	if err != nil {
		return err
	}
	return d.Swipe(ctx, swipe)
}

func (d *IOS) TypeText(ctx context.Context, text string) error {
	id, err := d.drv.FindElement(ctx, driver.ByIOSPredicate, applicationPredicate)
	if err != nil {
		return fmt.Errorf("device: type text: %w", err)
	}
	if err := d.drv.SendKeys(ctx, id, text); err != nil {
		return fmt.Errorf("device: type text: %w", err)
	}
	return nil
}
