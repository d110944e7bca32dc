package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/agent"
	"github.com/haricheung/qaml/internal/audit"
	"github.com/haricheung/qaml/internal/bus"
	"github.com/haricheung/qaml/internal/config"
	"github.com/haricheung/qaml/internal/decision"
	"github.com/haricheung/qaml/internal/device"
	"github.com/haricheung/qaml/internal/history"
	"github.com/haricheung/qaml/internal/types"
	"github.com/haricheung/qaml/internal/ui"
)

// app carries what every command needs once PersistentPreRunE has run.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer

	// Swapped in tests.
	connect    func(context.Context, device.ConnectConfig) (device.Device, error)
	detect     func(context.Context) ([]device.Found, error)
	newDecider func(decision.Config) agent.Decider
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		v:          viper.New(),
		logger:     zap.NewNop(),
		stdout:     stdout,
		stderr:     stderr,
		connect:    device.Connect,
		detect:     device.Detect,
		newDecider: newDecisionClient,
	}
}

func newDecisionClient(cfg decision.Config) agent.Decider {
	return decision.New(cfg)
}

// session is one connected device with its agent and the sinks listening to
// its events.
type session struct {
	agent   *agent.Agent
	dev     device.Device
	closers []func() error
}

// Close releases the device first so the recording is saved, then the sinks.
func (s *session) Close(ctx context.Context) error {
	errs := []error{s.dev.Close(ctx)}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// open validates the config, connects to the device and wires the agent to
// the decision service, the terminal view, the history journal and the audit
// trail. Journal and trail failures are logged and skipped.
func (a *app) open(ctx context.Context) (*session, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	cfg := a.cfg

	fmt.Fprintln(a.stderr, "Initializing device driver...")
	dev, err := a.connect(ctx, device.ConnectConfig{
		Options: device.Options{
			AppiumURL:     cfg.AppiumURL,
			UDID:          cfg.UDID,
			UseMJPEG:      cfg.UseMJPEG,
			SetupAttempts: cfg.SetupAttempts,
			SetupInterval: cfg.SetupInterval,
			RecordingPath: cfg.RecordingPath,
			Logger:        a.logger,
		},
		SessionID: cfg.SessionID,
		Platform:  cfg.Platform,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("Device ready", zap.String("platform", string(dev.Platform())))

	s := &session{dev: dev}
	b := bus.New()

	display := ui.New(a.stderr)
	display.Attach(b)
	if isTerminal(a.stderr) {
		spinCtx, stopSpin := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			display.Run(spinCtx)
			close(done)
		}()
		s.closers = append(s.closers, func() error {
			stopSpin()
			<-done
			return nil
		})
	}

	if cfg.HistoryPath != "" {
		if store, err := history.Open(cfg.HistoryPath); err != nil {
			a.logger.Warn("Run history disabled", zap.Error(err))
		} else {
			history.NewRecorder(b, store, a.logger)
			s.closers = append(s.closers, store.Close)
		}
	}
	if cfg.AuditPath != "" {
		if aud, err := audit.Open(cfg.AuditPath, a.logger); err != nil {
			a.logger.Warn("Audit trail disabled", zap.Error(err))
		} else {
			aud.Attach(b)
			s.closers = append(s.closers, aud.Close)
		}
	}

	decider := a.newDecider(decision.Config{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Timeout:           cfg.RequestTimeout,
		MaxElapsed:        cfg.MaxElapsed,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            a.logger,
	})

	opts := []agent.Option{
		agent.WithLogger(a.logger),
		agent.OnAction(func(action types.Action) {
			fmt.Fprintln(a.stdout, action.String())
		}),
	}
	if !cfg.Quiet {
		opts = append(opts, agent.OnResponse(func(raw []byte) {
			fmt.Fprintln(a.stdout, string(raw))
		}))
	}
	s.agent = agent.New(dev, decider, b, agent.Config{
		MaxSteps:          cfg.MaxSteps,
		IncludeElements:   cfg.IncludeElements,
		ScreenshotMaxSide: cfg.ScreenshotMaxSide,
	}, opts...)
	return s, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && readline.IsTerminal(int(f.Fd()))
}

// withSession opens a session, runs fn and closes the session whatever fn
// returned.
func (a *app) withSession(ctx context.Context, fn func(*session) error) (err error) {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// ctx may already be cancelled by SIGINT; the session still has to go.
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("Closing the session failed", zap.Error(cerr))
		}
	}()
	return fn(s)
}
