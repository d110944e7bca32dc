package agent

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/haricheung/qaml/internal/types"
)

// MaxSleep bounds a single sleep action.
const MaxSleep = 5 * time.Minute

// handler applies one device action.
type handler func(ctx context.Context, action types.Action) error

// deviceHandlers maps action names onto the device. Each handler decodes
// its own argument shape.
func (a *Agent) deviceHandlers() map[string]handler {
	return map[string]handler{
		types.ActionTap: func(ctx context.Context, action types.Action) error {
			var args types.TapArgs
			if err := action.Decode(&args); err != nil {
				return err
			}
			return a.dev.Tap(ctx, args.X, args.Y)
		},
		types.ActionDrag: func(ctx context.Context, action types.Action) error {
			var args types.DragArgs
			if err := action.Decode(&args); err != nil {
				return err
			}
			return a.dev.Drag(ctx, args.StartX, args.StartY, args.EndX, args.EndY)
		},
		types.ActionSwipe: func(ctx context.Context, action types.Action) error {
			var args types.DirectionArgs
			if err := action.Decode(&args); err != nil {
				return err
			}
			return a.dev.Swipe(ctx, args.Direction)
		},
		types.ActionScroll: func(ctx context.Context, action types.Action) error {
			var args types.DirectionArgs
			if err := action.Decode(&args); err != nil {
				return err
			}
			return a.dev.Scroll(ctx, args.Direction)
		},
		types.ActionTypeText: func(ctx context.Context, action types.Action) error {
			var args types.TypeTextArgs
			if err := action.Decode(&args); err != nil {
				return err
			}
			return a.dev.TypeText(ctx, args.Text)
		},
		types.ActionSleep: func(ctx context.Context, action types.Action) error {
			var args types.SleepArgs
			if err := action.Decode(&args); err != nil {
				return err
			}
			d, err := sleepDuration(args.Duration)
			if err != nil {
				return err
			}
			return a.sleep(ctx, d)
		},
	}
}

// sleepDuration converts seconds into a Duration.
//
// Expectations:
//   - Rejects negative, NaN and infinite values
//   - Rejects anything above MaxSleep
func sleepDuration(seconds float64) (time.Duration, error) {
	if math.IsNaN(seconds) || seconds < 0 || seconds > MaxSleep.Seconds() {
		return 0, fmt.Errorf("%w: sleep duration %v must be between 0 and %v seconds", ErrInvalidArguments, seconds, MaxSleep.Seconds())
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
