package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/mirrorsync/sync"
)

// Execute runs the command line.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mirrorsync <sourcePath> <replicaPath> <intervalSeconds> <logFilePath>",
		Short: "Periodically mirror a source directory into a replica",
		Long: `mirrorsync keeps a replica directory identical to a source directory.

Every interval it copies new and changed files (compared by content digest),
deletes replica entries missing from the source, and logs each change to the
console and the log file. Pairs may also be listed in a config file:

  interval: 60
  log_file: ~/.local/state/mirrorsync/sync.log
  pairs:
    - name: photos
      source: ~/Pictures
      replica: /mnt/backup/Pictures

Press Enter or send SIGINT/SIGTERM to stop.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runDaemon,
	}
	addConfigFlags(root.PersistentFlags())

	root.AddCommand(newOnceCmd(), newHistoryCmd(), newConfigCmd())
	return root
}

func runDaemon(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v, args)
	if errors.Is(err, errUsage) {
		return cmd.Usage()
	}
	if err != nil {
		cmd.Usage() //nolint:errcheck
		return err
	}

	level, _ := sync.ParseLevel(cfg.LogLevel)
	if err := sync.InitLogger(sync.LogOptions{File: cfg.LogFile, Level: level, Quiet: cfg.Quiet}); err != nil {
		return err
	}
	l := sync.Logger("main")

	var store *sync.Store
	if path := cfg.historyPath(); path != "" {
		db, err := sync.OpenDB(path)
		if err != nil {
			l.Warn("history disabled", "err", err)
		} else {
			store = sync.NewStore(db)
			defer store.Close()
		}
	}

	daemon, err := sync.NewDaemon(sync.DaemonConfig{
		Pairs:       cfg.Pairs,
		Interval:    cfg.interval(),
		Workers:     cfg.Workers,
		TrashDir:    cfg.TrashDir,
		IgnoreFile:  cfg.IgnoreFile,
		Watch:       cfg.Watch,
		Store:       store,
		HistoryKeep: cfg.HistoryKeep,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		if !cfg.Quiet {
			cmd.Println("Press 'Enter' to stop the synchronization...")
		}
		go stopOnEnter(os.Stdin, stop)
	}

	statusDone := make(chan struct{})
	if cfg.StatusAddr != "" {
		go func() {
			defer close(statusDone)
			if err := sync.NewHandlers(daemon).Serve(ctx, cfg.StatusAddr); err != nil {
				l.Error("status API stopped", "err", err)
			}
		}()
	} else {
		close(statusDone)
	}

	daemon.Run(ctx)
	stop()
	<-statusDone
	return nil
}

// stopOnEnter calls stop once a line is read from r. EOF leaves the
// daemon running.
func stopOnEnter(r io.Reader, stop context.CancelFunc) {
	if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
		stop()
	}
}
