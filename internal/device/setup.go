package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/driver"
	"github.com/haricheung/qaml/internal/tools"
	"github.com/haricheung/qaml/internal/types"
)

const (
	defaultSetupAttempts = 3
	androidMJPEGURL      = "http://localhost:4723/stream.mjpeg"
	iosMJPEGURL          = "http://localhost:9100"
)

// AndroidCapabilities returns the session capabilities for a UiAutomator2 device.
// A non-empty serial pins the session to the same device adb types on.
func AndroidCapabilities(serial string, useMJPEG bool) driver.Capabilities {
	caps := driver.Capabilities{
		"platformName":         "Android",
		"deviceName":           "Android Device",
		"automationName":       "UiAutomator2",
		"autoGrantPermissions": true,
		"newCommandTimeout":    600,
	}
	if serial != "" {
		caps["udid"] = serial
	}
	if useMJPEG {
		caps["mjpegScreenshotUrl"] = androidMJPEGURL
	}
	return caps
}

// IOSCapabilities returns the session capabilities for an XCUITest device.
func IOSCapabilities(udid string, useMJPEG bool) driver.Capabilities {
	caps := driver.Capabilities{
		"platformName":   "iOS",
		"automationName": "XCUITest",
	}
	if udid != "" {
		caps["udid"] = udid
	}
	if useMJPEG {
		caps["mjpegScreenshotUrl"] = iosMJPEGURL
	}
	return caps
}

// Setup runs open until it succeeds or attempts are exhausted, waiting
// interval between tries. A session that opened but failed later steps is
// closed before the next try.
//
// Expectations:
//   - Returns the first successfully opened Driver
//   - Makes at most attempts calls to open (attempts <= 0 means 3)
//   - Wraps the last failure in ErrSetupFailed on exhaustion
//   - Stops early when ctx is cancelled
func Setup(ctx context.Context, attempts int, interval time.Duration, logger *zap.Logger, open func(context.Context) (Driver, error)) (Driver, error) {
	if attempts <= 0 {
		attempts = defaultSetupAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var drv Driver
	try := 0
	operation := func() error {
		try++
		d, err := open(ctx)
		if err != nil {
			logger.Warn("Driver setup attempt failed", zap.Int("attempt", try), zap.Int("of", attempts), zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		drv = d
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrSetupFailed, try, err)
	}
	return drv, nil
}

// prepareSession starts recording, relaxes idle waits and takes a probe
// screenshot to prove the session is usable.
func prepareSession(ctx context.Context, drv Driver, recording map[string]any) error {
	if err := drv.StartRecording(ctx, recording); err != nil {
		return err
	}
	if err := drv.UpdateSettings(ctx, sessionSettings); err != nil {
		return err
	}
	if _, err := drv.Screenshot(ctx); err != nil {
		return fmt.Errorf("probe screenshot: %w", err)
	}
	return nil
}

// openWith returns a Setup open func that creates a session with create and
// prepares it, deleting the session again when preparation fails.
func openWith(create func(context.Context) (*driver.Session, error), recording map[string]any) func(context.Context) (Driver, error) {
	return func(ctx context.Context) (Driver, error) {
		s, err := create(ctx)
		if err != nil {
			return nil, err
		}
		if err := prepareSession(ctx, s, recording); err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		return s, nil
	}
}

// NewAndroid creates and prepares a new UiAutomator2 session.
func NewAndroid(ctx context.Context, opts Options) (*Android, error) {
	caps := AndroidCapabilities(opts.Serial, opts.UseMJPEG)
	create := func(ctx context.Context) (*driver.Session, error) {
		return driver.Open(ctx, opts.AppiumURL, caps, opts.driverOptions()...)
	}
	drv, err := Setup(ctx, opts.SetupAttempts, opts.SetupInterval, opts.logger(), openWith(create, nil))
	if err != nil {
		return nil, err
	}
	a, err := newAndroid(ctx, drv, true, opts)
	if err != nil {
		_ = drv.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

// NewIOS creates and prepares a new XCUITest session. The server's /wd/hub
// path is tried when the root path refuses the session.
func NewIOS(ctx context.Context, opts Options) (*IOS, error) {
	caps := IOSCapabilities(opts.UDID, opts.UseMJPEG)
	root := strings.TrimRight(opts.AppiumURL, "/")
	create := func(ctx context.Context) (*driver.Session, error) {
		return driver.OpenWithFallback(ctx, []string{root, root + "/wd/hub"}, caps, opts.driverOptions()...)
	}
	drv, err := Setup(ctx, opts.SetupAttempts, opts.SetupInterval, opts.logger(), openWith(create, map[string]any{"forceRestart": true}))
	if err != nil {
		return nil, err
	}
	d, err := newIOS(ctx, drv, true, opts)
	if err != nil {
		_ = drv.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return d, nil
}

// Wrap adapts a session the caller already owns, choosing the adapter from
// its platformName capability. The session is not set up again and is left
// open by Close.
func Wrap(ctx context.Context, drv Driver, opts Options) (Device, error) {
	platform, ok := types.ParsePlatform(drv.PlatformName())
	if !ok {
		return nil, fmt.Errorf("device: %w: %q", ErrUnsupportedPlatform, drv.PlatformName())
	}
	log := opts.logger().Named("device")
	switch platform {
	case types.PlatformAndroid:
		log.Info("Using the provided Appium session for Android", zap.String("session_id", drv.ID()))
		return asDevice(newAndroid(ctx, drv, false, opts))
	default:
		log.Info("Using the provided Appium session for iOS", zap.String("session_id", drv.ID()))
		return asDevice(newIOS(ctx, drv, false, opts))
	}
}

// Detection hooks, replaced in tests.
var (
	detectAndroid = tools.ConnectedAndroidDevices
	detectIOS     = tools.IOSUDID
)

// Found is one device visible to the host.
type Found struct {
	Platform types.Platform `json:"platform"`
	ID       string         `json:"id"`
}

// Detect lists devices reachable through adb and, on macOS, USB-attached
// iPhones and iPads. Android devices come first.
func Detect(ctx context.Context) ([]Found, error) {
	var found []Found
	serials, aerr := detectAndroid(ctx)
	for _, s := range serials {
		found = append(found, Found{Platform: types.PlatformAndroid, ID: s})
	}
	udid, ierr := detectIOS(ctx)
	if udid != "" {
		found = append(found, Found{Platform: types.PlatformIOS, ID: udid})
	}
	if len(found) == 0 {
		return nil, errors.Join(aerr, ierr)
	}
	return found, nil
}

// ConnectConfig is what Connect needs from the application config.
type ConnectConfig struct {
	Options
	SessionID string // attach to this session instead of creating one
	Platform  string // force "android" or "ios"
}

// Connect returns a ready Device.
//
// Resolution order:
//   - SessionID set: attach to it and dispatch on its platformName
//   - Platform set: create a session for that platform
//   - an adb device is connected: create an Android session
//   - an iOS UDID is configured or detected: create an iOS session
//   - otherwise ErrNoDevice
func Connect(ctx context.Context, cfg ConnectConfig) (Device, error) {
	if cfg.SessionID != "" {
		s, err := driver.Attach(ctx, cfg.AppiumURL, cfg.SessionID, cfg.driverOptions()...)
		if err != nil {
			return nil, fmt.Errorf("device: %w", err)
		}
		return Wrap(ctx, s, cfg.Options)
	}

	if cfg.Platform != "" {
		platform, ok := types.ParsePlatform(cfg.Platform)
		if !ok {
			return nil, fmt.Errorf("device: %w: %q", ErrUnsupportedPlatform, cfg.Platform)
		}
		if platform == types.PlatformAndroid {
			if cfg.Serial == "" {
				if serials, _ := detectAndroid(ctx); len(serials) > 0 {
					cfg.Serial = serials[0]
				}
			}
			return asDevice(NewAndroid(ctx, cfg.Options))
		}
		if cfg.UDID == "" {
			cfg.UDID, _ = detectIOS(ctx)
		}
		return asDevice(NewIOS(ctx, cfg.Options))
	}

	serials, err := detectAndroid(ctx)
	if err != nil {
		cfg.logger().Debug("adb device listing failed", zap.Error(err))
	}
	if len(serials) > 0 {
		if cfg.Serial == "" {
			cfg.Serial = serials[0]
		}
		return asDevice(NewAndroid(ctx, cfg.Options))
	}

	udid := cfg.UDID
	if udid == "" {
		if udid, err = detectIOS(ctx); err != nil {
			cfg.logger().Debug("iOS device listing failed", zap.Error(err))
		}
	}
	if udid != "" {
		cfg.UDID = udid
		return asDevice(NewIOS(ctx, cfg.Options))
	}
	return nil, ErrNoDevice
}

// asDevice keeps a failed constructor from yielding a non-nil Device holding
// a nil pointer.
func asDevice[D Device](d D, err error) (Device, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}
