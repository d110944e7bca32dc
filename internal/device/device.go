// Package device adapts an Appium driver session to the small set of
// gestures the agent dispatches. Android and iOS differ in how each gesture
// reaches the device; both share setup, screenshots and element extraction.
package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/driver"
	"github.com/haricheung/qaml/internal/tools"
	"github.com/haricheung/qaml/internal/types"
)

var (
	// ErrSetupFailed is returned when every setup attempt failed.
	ErrSetupFailed = errors.New("failed to set up the driver")
	// ErrNoDevice is returned when no session was given and none could be found.
	ErrNoDevice = errors.New("no connected devices found")
	// ErrUnsupportedPlatform is returned for sessions that are neither Android nor iOS.
	ErrUnsupportedPlatform = errors.New("unsupported platform in the provided session capabilities")
	// ErrUnknownDirection is returned for swipe or scroll directions other than up, down, left, right.
	ErrUnknownDirection = errors.New("unknown direction")
)

// Device is a connected phone or tablet the agent can look at and act on.
type Device interface {
	Platform() types.Platform
	ScreenSize() types.ScreenSize
	// Screenshot returns the current screen as base64, exactly as the driver reported it.
	Screenshot(ctx context.Context) (string, error)
	Elements(ctx context.Context) ([]types.Element, error)
	Tap(ctx context.Context, x, y float64) error
	Drag(ctx context.Context, startX, startY, endX, endY float64) error
	Swipe(ctx context.Context, direction string) error
	Scroll(ctx context.Context, direction string) error
	TypeText(ctx context.Context, text string) error
	Close(ctx context.Context) error
}

// Driver is the part of a WebDriver session the adapters use.
// *driver.Session satisfies it.
type Driver interface {
	ID() string
	PlatformName() string
	WindowSize(ctx context.Context) (types.ScreenSize, error)
	Screenshot(ctx context.Context) (string, error)
	ExecuteScript(ctx context.Context, script string, args map[string]any) (json.RawMessage, error)
	FindElement(ctx context.Context, using, value string) (string, error)
	SendKeys(ctx context.Context, elementID, text string) error
	PerformActions(ctx context.Context, seqs ...driver.ActionSequence) error
	UpdateSettings(ctx context.Context, settings map[string]any) error
	StartRecording(ctx context.Context, options map[string]any) error
	StopRecording(ctx context.Context) (string, error)
	Source(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

var _ Driver = (*driver.Session)(nil)

// Options configures how a device session is brought up.
type Options struct {
	AppiumURL     string
	Serial        string // Android serial passed to adb; empty uses the only device
	UDID          string // iOS device UDID
	UseMJPEG      bool
	SetupAttempts int
	SetupInterval time.Duration
	RecordingPath string // where Close saves the screen recording; empty discards it
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) driverOptions() []driver.Option {
	opts := []driver.Option{driver.WithLogger(o.logger())}
	if o.HTTPClient != nil {
		opts = append(opts, driver.WithHTTPClient(o.HTTPClient))
	}
	return opts
}

// sessionSettings are applied after every session start so gestures are not
// held back waiting for the UI to go idle.
var sessionSettings = map[string]any{
	"waitForIdleTimeout":      0,
	"shouldWaitForQuiescence": false,
	"maxTypingFrequency":      60,
}

// base holds what both adapters share.
type base struct {
	drv           Driver
	platform      types.Platform
	size          types.ScreenSize
	owned         bool // the session was created here and is deleted on Close
	recordingPath string
	logger        *zap.Logger
}

func newBase(ctx context.Context, drv Driver, platform types.Platform, owned bool, opts Options) (base, error) {
	size, err := drv.WindowSize(ctx)
	if err != nil {
		return base{}, fmt.Errorf("device: read screen size: %w", err)
	}
	return base{
		drv:           drv,
		platform:      platform,
		size:          size,
		owned:         owned,
		recordingPath: opts.RecordingPath,
		logger:        opts.logger().Named("device"),
	}, nil
}

func (b *base) Platform() types.Platform { return b.platform }

func (b *base) ScreenSize() types.ScreenSize { return b.size }

func (b *base) Screenshot(ctx context.Context) (string, error) {
	shot, err := b.drv.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("device: screenshot: %w", err)
	}
	return shot, nil
}

func (b *base) Elements(ctx context.Context) ([]types.Element, error) {
	src, err := b.drv.Source(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: page source: %w", err)
	}
	return ParseElements(b.platform, src)
}

// Close saves the screen recording when a path is configured and deletes
// sessions this package created. Sessions handed in by the caller stay open.
func (b *base) Close(ctx context.Context) error {
	var errs []error
	if b.recordingPath != "" {
		if err := b.saveRecording(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if b.owned {
		if err := b.drv.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("device: close session: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *base) saveRecording(ctx context.Context) error {
	video, err := b.drv.StopRecording(ctx)
	if err != nil {
		return fmt.Errorf("device: stop recording: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(video)
	if err != nil {
		return fmt.Errorf("device: decode recording: %w", err)
	}
	path := tools.RecordingFile(b.recordingPath, b.drv.ID(), time.Now())
	if err := tools.EnsureParentDir(path); err != nil {
		return fmt.Errorf("device: save recording: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("device: save recording: %w", err)
	}
	b.logger.Info("Screen recording saved", zap.String("path", path), zap.Int("bytes", len(raw)))
	return nil
}

// inverse maps a scroll direction onto the swipe that produces it.
var inverse = map[string]string{
	"up":    "down",
	"down":  "up",
	"left":  "right",
	"right": "left",
}

func checkDirection(direction string) error {
	if _, ok := inverse[direction]; !ok {
		return fmt.Errorf("device: %w %q", ErrUnknownDirection, direction)
	}
	return nil
}

// ScrollDirection returns the swipe direction that scrolls content toward direction.
//
// Expectations:
//   - "up" ↔ "down" and "left" ↔ "right"
//   - Any other value returns ErrUnknownDirection
func ScrollDirection(direction string) (string, error) {
	if err := checkDirection(direction); err != nil {
		return "", err
	}
	return inverse[direction], nil
}
