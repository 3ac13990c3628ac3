package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/mirrorsync/sync"
)

func newOnceCmd() *cobra.Command {
	var (
		logFile string
		verify  bool
	)
	cmd := &cobra.Command{
		Use:   "once <sourcePath> <replicaPath>",
		Short: "Run a single reconciliation pass and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg := &Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}
			cfg.Pairs = []sync.Pair{{Name: "once", Source: args[0], Replica: args[1]}}
			cfg.LogFile = logFile
			if err := cfg.normalize(); err != nil {
				return err
			}
			level, err := sync.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			if err := sync.InitLogger(sync.LogOptions{File: cfg.LogFile, Level: level, Quiet: cfg.Quiet}); err != nil {
				return err
			}

			pair := cfg.Pairs[0]
			fsys := afero.NewOsFs()
			ignore := sync.LoadSyncIgnore(fsys, sync.IgnorePath(cfg.IgnoreFile, pair.Source))
			r := sync.NewReconciler(fsys, sync.ReconcilerOptions{
				Workers:  cfg.Workers,
				Ignore:   ignore,
				TrashDir: cfg.TrashDir,
				OnEvent:  func(e sync.SyncEvent) { sync.LogEvent(pair.Name, e) },
			})

			report, passErr := r.Reconcile(cmd.Context(), pair.Source, pair.Replica)
			report.Pair = pair.Name
			sync.LogSummary(sync.Summarize(report, passErr))
			if passErr != nil {
				return passErr
			}

			if verify {
				diffs, err := sync.Verify(fsys, pair.Source, pair.Replica, ignore)
				if err != nil {
					return fmt.Errorf("verify: %w", err)
				}
				for _, d := range diffs {
					cmd.Println("differs:", d)
				}
				if len(diffs) > 0 {
					return fmt.Errorf("verify: %d path(s) differ", len(diffs))
				}
				cmd.Println("verified: replica matches source")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "also append the log to this file")
	cmd.Flags().BoolVar(&verify, "verify", false, "compare both trees after the pass")
	return cmd
}
