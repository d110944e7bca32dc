package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haricheung/qaml/internal/device"
	"github.com/haricheung/qaml/internal/history"
	"github.com/haricheung/qaml/internal/types"
)

func newExecuteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <instruction...>",
		Short: "Apply one instruction with a single decision round-trip",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			instruction := strings.Join(args, " ")
			return a.withSession(ctx, func(s *session) error {
				fmt.Fprintf(a.stderr, "Running command: %s\n", instruction)
				_, err := s.agent.Execute(ctx, instruction)
				return err
			})
		},
	}
}

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected Android and iOS devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := a.detect(cmd.Context())
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return device.ErrNoDevice
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tID")
			for _, f := range found {
				fmt.Fprintf(w, "%s\t%s\n", f.Platform, f.ID)
			}
			return w.Flush()
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := history.Open(a.cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				run, err := store.Get(args[0])
				if errors.Is(err, history.ErrNotFound) {
					return fmt.Errorf("no run with id %s", args[0])
				}
				if err != nil {
					return err
				}
				printRun(a, run)
				return nil
			}

			runs, err := store.List(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tMODE\tSTATUS\tSTEPS\tINSTRUCTION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.StartedAt, r.Mode, r.Status, r.Steps, r.Instruction)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 lists all)")
	return cmd
}

func printRun(a *app, run types.Run) {
	fmt.Fprintf(a.stdout, "Run %s (%s, %s)\n", run.ID, run.Mode, run.Platform)
	fmt.Fprintf(a.stdout, "  instruction: %s\n", run.Instruction)
	fmt.Fprintf(a.stdout, "  status:      %s after %d step(s)\n", run.Status, run.Steps)
	fmt.Fprintf(a.stdout, "  started:     %s\n", run.StartedAt)
	if run.FinishedAt != "" {
		fmt.Fprintf(a.stdout, "  finished:    %s\n", run.FinishedAt)
	}
	if run.Result != "" {
		fmt.Fprintf(a.stdout, "  result:      %s\n", run.Result)
	}
	if run.Error != "" {
		fmt.Fprintf(a.stdout, "  error:       %s\n", run.Error)
	}
	for _, p := range run.Progress {
		fmt.Fprintf(a.stdout, "  progress:    %s\n", p)
	}
	for i, act := range run.Actions {
		fmt.Fprintf(a.stdout, "  %3d  %s\n", i+1, act)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the qaml version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
