package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haricheung/qaml/internal/agent"
	"github.com/haricheung/qaml/internal/config"
	"github.com/haricheung/qaml/internal/observability"
	"github.com/haricheung/qaml/internal/tools"
)

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"api-key":          "api_key",
	"base-url":         "base_url",
	"appium-url":       "appium_url",
	"platform":         "platform",
	"udid":             "udid",
	"session-id":       "session_id",
	"include-elements": "include_elements",
	"max-steps":        "max_steps",
	"recording-path":   "recording_path",
	"quiet":            "quiet",
	"log-level":        "logger.level",
}

func newRootCmd(a *app) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "qaml [task...]",
		Short: "Drive a phone with natural-language tasks",
		Long: "qaml captures the screen of a connected Android or iOS device, asks the\n" +
			"decision service what to do and applies the returned actions until the\n" +
			"task is done. Without arguments it starts an interactive prompt.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Prepare(a.v, cfgFile); err != nil {
				return err
			}
			for flag, key := range flagKeys {
				if f := cmd.Flags().Lookup(flag); f != nil {
					if err := a.v.BindPFlag(key, f); err != nil {
						return fmt.Errorf("bind flag %s: %w", flag, err)
					}
				}
			}
			cfg, err := config.FromViper(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			observability.InitializeLogger(cfg.Logger)
			a.logger = observability.GetLogger()
			a.logger.Debug("Starting qaml", zap.String("version", version))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) > 0 {
				task := strings.Join(args, " ")
				return a.withSession(ctx, func(s *session) error {
					fmt.Fprintf(a.stderr, "Running task: %s\n", task)
					return runTask(ctx, a, s, task)
				})
			}
			return a.withSession(ctx, func(s *session) error {
				return a.repl(ctx, s)
			})
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default ./qaml.yaml or ~/.config/qaml/qaml.yaml)")
	pf.String("api-key", "", "decision service API key (QAML_API_KEY)")
	pf.String("base-url", "", "decision service base URL")
	pf.String("appium-url", "", "Appium server URL")
	pf.String("platform", "", "force android or ios instead of detecting")
	pf.String("udid", "", "iOS device UDID")
	pf.String("session-id", "", "attach to an existing driver session")
	pf.Bool("include-elements", false, "send accessibility elements with every request")
	pf.Int("max-steps", 0, "step budget of a task")
	pf.String("recording-path", "", "save the screen recording here when the session closes")
	pf.BoolP("quiet", "q", false, "do not print raw decision responses")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newExecuteCmd(a),
		newDevicesCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

func runTask(ctx context.Context, a *app, s *session, task string) error {
	res, err := s.agent.Task(ctx, task)
	if err != nil {
		return err
	}
	if res.Result != "" {
		fmt.Fprintln(a.stdout, res.Result)
	}
	return nil
}

// repl reads tasks until EOF. Errors are printed and the loop continues.
func (a *app) repl(ctx context.Context, s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "Enter a task: ",
		HistoryFile:     filepath.Join(tools.DataDir(), "repl_history"),
		InterruptPrompt: "^C",
		Stdout:          a.stdout,
		Stderr:          a.stderr,
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	return a.loop(ctx, rl.Readline, func(task string) error {
		return runTask(ctx, a, s, task)
	})
}

// loop feeds lines from next to run until next reports EOF or ctx ends.
//
// Expectations:
//   - Skips blank lines
//   - Prints "Error: <err>" for a failed task and keeps reading
//   - An interrupt on an empty line is ignored; the loop goes on
//   - Returns nil on io.EOF
func (a *app) loop(ctx context.Context, next func() (string, error), run func(string) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := next()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(a.stdout)
			return nil
		}
		if err != nil {
			return err
		}
		task := strings.TrimSpace(line)
		if task == "" {
			continue
		}
		if err := run(task); err != nil {
			var limit *agent.StepLimitError
			if errors.As(err, &limit) {
				a.logger.Info("Task stopped at the step limit", zap.Strings("progress", limit.Progress))
			}
			fmt.Fprintf(a.stdout, "Error: %v\n", err)
		}
	}
}
