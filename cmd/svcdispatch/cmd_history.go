package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"svcdispatch/internal/config"
	"svcdispatch/internal/history"
	logx "svcdispatch/pkg/logx"
)

func newHistoryCmd(f *rootFlags) *cobra.Command {
	var (
		unitName string
		limit    int
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent unit runs from the history store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(f.configPath, f.env).Load()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.History.StoreConfig(), logx.Nop())
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("history is disabled in the configuration")
			}
			defer store.Close()

			q := history.Query{Unit: unitName, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			runs, err := store.RecentRuns(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVarP(&unitName, "unit", "u", "", "only runs of this unit")
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "maximum number of runs")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs that finished within this duration")
	return cmd
}

func printRuns(w io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tUNIT\tCYCLE\tSTATUS\tTOOK\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%dms\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime), r.Unit, r.Cycle, r.Status, r.TookMS, r.Error)
	}
	return tw.Flush()
}
