package device

import (
	"context"
	"encoding/json"

	"github.com/haricheung/qaml/internal/driver"
	"github.com/haricheung/qaml/internal/types"
)

// fakeDriver is an in-memory Driver for tests that do not need HTTP.
type fakeDriver struct {
	platform string
	source   string
	video    string

	stopErr  error
	closeErr error
	closed   int
}

var _ Driver = (*fakeDriver)(nil)

func (f *fakeDriver) ID() string           { return "fake" }
func (f *fakeDriver) PlatformName() string { return f.platform }

func (f *fakeDriver) WindowSize(context.Context) (types.ScreenSize, error) {
	return types.ScreenSize{Width: 390, Height: 844}, nil
}

func (f *fakeDriver) Screenshot(context.Context) (string, error) { return "", nil }

func (f *fakeDriver) ExecuteScript(context.Context, string, map[string]any) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

func (f *fakeDriver) FindElement(context.Context, string, string) (string, error) { return "el", nil }
func (f *fakeDriver) SendKeys(context.Context, string, string) error              { return nil }

func (f *fakeDriver) PerformActions(context.Context, ...driver.ActionSequence) error { return nil }

func (f *fakeDriver) UpdateSettings(context.Context, map[string]any) error { return nil }
func (f *fakeDriver) StartRecording(context.Context, map[string]any) error { return nil }

func (f *fakeDriver) StopRecording(context.Context) (string, error) { return f.video, f.stopErr }

func (f *fakeDriver) Source(context.Context) (string, error) { return f.source, nil }

func (f *fakeDriver) Close(context.Context) error {
	f.closed++
	return f.closeErr
}
