package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"svcdispatch/internal/app"
	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
	"svcdispatch/units/demo"
)

// envVar supplies --env when the flag is not given.
const envVar = "SVCDISPATCH_ENV"

type rootFlags struct {
	configPath string
	env        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "svcdispatch",
		Short:         "Dispatch named units in a loop",
		Long:          "svcdispatch runs the configured units one after another, honoring their active flag, time-of-day window and delay.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().StringVarP(&f.env, "env", "e", os.Getenv(envVar), "environment name selecting the overlay file (default $"+envVar+")")

	root.AddCommand(newRunCmd(f), newCheckCmd(f), newHistoryCmd(f))
	return root
}

// newRegistry returns the registry with the built-in units.
func newRegistry(log logx.Logger) (*unit.Registry, error) {
	reg := unit.NewRegistry()
	if err := demo.Register(reg, demo.DefaultWork, log); err != nil {
		return nil, err
	}
	return reg, nil
}

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch loop until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
}

func run(parent context.Context, f *rootFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logging is configured by the config file; until it loads, fatal errors
	// go to a plain console logger.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	reg := unit.NewRegistry()
	a, err := app.New(app.Options{ConfigPath: f.configPath, Env: f.env, Registry: reg})
	if err != nil {
		boot.Error("fatal startup error", logx.String("config", f.configPath), logx.Err(err))
		return err
	}
	if err := demo.Register(reg, demo.DefaultWork, a.Logger().With(logx.String("comp", "units"))); err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		a.Logger().Error("fatal start error", logx.Err(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
