package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ghyeongl/mirrorsync/sync"
)

func newHistoryCmd() *cobra.Command {
	var (
		pair  string
		limit int
		runID int64
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded synchronization runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg := &Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}
			if err := cfg.normalize(); err != nil {
				return err
			}
			path := cfg.historyPath()
			if path == "" {
				return errors.New("no history database: pass --history-db or set log_file in the config")
			}

			db, err := sync.OpenDB(path)
			if err != nil {
				return err
			}
			store := sync.NewStore(db)
			defer store.Close()

			if runID > 0 {
				return printRun(cmd.OutOrStdout(), store, runID)
			}
			runs, err := store.ListRuns(pair, limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&pair, "pair", "", "only show runs of this pair")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().Int64Var(&runID, "run", 0, "show the events of one run")
	return cmd
}

var printer = message.NewPrinter(language.English)

func printRuns(w io.Writer, runs []sync.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded") //nolint:errcheck
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAIR\tSTARTED\tTOOK\tSTATUS\tCREATED\tCOPIED\tDELETED\tERRORS\tBYTES") //nolint:errcheck
	for _, r := range runs {
		printer.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n", //nolint:errcheck
			r.ID, r.Pair, r.Started.Format(time.DateTime), r.Duration().Round(time.Millisecond), r.Status,
			r.DirsCreated, r.FilesCopied, r.FilesDeleted+r.DirsDeleted, r.Errors, r.BytesCopied)
	}
	tw.Flush() //nolint:errcheck
}

func printRun(w io.Writer, store *sync.Store, id int64) error {
	run, err := store.GetRun(id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %d not found", id)
	}
	events, err := store.ListRunEvents(id)
	if err != nil {
		return err
	}

	printer.Fprintf(w, "run %d  pair=%s  status=%s  started=%s  bytes=%d\n", //nolint:errcheck
		run.ID, run.Pair, run.Status, run.Started.Format(time.DateTime), run.BytesCopied)
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error) //nolint:errcheck
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range events {
		detail := e.Source
		if e.Kind == sync.SyncError {
			detail = e.Err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Time.Format(time.TimeOnly), e.Kind, e.Path, detail) //nolint:errcheck
	}
	return tw.Flush()
}
