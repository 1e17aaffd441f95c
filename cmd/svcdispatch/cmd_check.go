package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"svcdispatch/internal/app"
	"svcdispatch/internal/config"
	logx "svcdispatch/pkg/logx"
)

func newCheckCmd(f *rootFlags) *cobra.Command {
	var asJSON, strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then print the unit summary",
		Long: `Load the base config, the environment overlay and SVCDISPATCH__ overrides,
validate the result and print the units that would be dispatched.

Units whose names have no registered behavior are listed as missing; with
--strict they make the command fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(f.configPath, f.env).Load()
			if err != nil {
				return err
			}
			ds, err := cfg.Descriptors()
			if err != nil {
				return err
			}
			reg, err := newRegistry(logx.Nop())
			if err != nil {
				return err
			}
			s := app.Summarize(f.env, ds, reg)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(s); err != nil {
					return err
				}
			} else if err := printSummary(out, s); err != nil {
				return err
			}
			if strict && len(s.Missing) > 0 {
				return fmt.Errorf("%d configured unit(s) not registered: %v", len(s.Missing), s.Missing)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a configured unit is not registered")
	return cmd
}

func printSummary(w io.Writer, s app.Summary) error {
	env := s.Environment
	if env == "" {
		env = "default"
	}
	fmt.Fprintf(w, "environment: %s\n", env)
	fmt.Fprintf(w, "units: %d total, %d active, %d inactive\n\n", s.Total, s.Active, s.Inactive)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tWINDOW\tDELAY\tTIMEOUT\tREGISTERED")
	for _, u := range s.Units {
		status := "inactive"
		if u.Active {
			status = "active"
		}
		window := u.Window
		if window == "" {
			window = "always"
		}
		timeout := "-"
		if u.TimeoutMS > 0 {
			timeout = fmt.Sprintf("%dms", u.TimeoutMS)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\t%t\n", u.Name, status, window, u.DelayMS, timeout, u.Registered)
	}
	return tw.Flush()
}
