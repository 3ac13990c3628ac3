package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
)

// DaemonConfig configures a Daemon.
type DaemonConfig struct {
	Pairs    []Pair
	Interval time.Duration // whole seconds, at least one

	Workers    int    // concurrent subtrees per pass
	TrashDir   string // move deletions here instead of removing them
	IgnoreFile string // relative to each source root unless absolute; empty uses .syncignore
	Watch      bool   // queue a pass when a source changes

	Store       *Store // run history; nil disables it
	HistoryKeep int    // runs kept per pair; 0 keeps all

	Fs afero.Fs // defaults to the OS filesystem
}

// PassFunc runs one reconciliation pass for a pair.
type PassFunc func(ctx context.Context, p Pair) (*Report, error)

// Daemon schedules non-overlapping reconciliation passes over its pairs:
// a ticker and the optional watcher queue pair names, and a single worker
// runs them one at a time.
type Daemon struct {
	cfg   DaemonConfig
	pairs map[string]Pair
	queue *PassQueue
	bus   *EventBus

	runPass PassFunc

	mu      gosync.Mutex
	running string
	last    map[string]PassSummary
}

// NewDaemon validates cfg and creates a daemon.
func NewDaemon(cfg DaemonConfig) (*Daemon, error) {
	if len(cfg.Pairs) == 0 {
		return nil, errors.New("no pairs configured")
	}
	if cfg.Interval < time.Second || cfg.Interval%time.Second != 0 {
		return nil, fmt.Errorf("interval must be a whole number of seconds >= 1, got %s", cfg.Interval)
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	pairs := make(map[string]Pair, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		if p.Name == "" || p.Source == "" || p.Replica == "" {
			return nil, fmt.Errorf("pair %q: name, source and replica are required", p.Name)
		}
		if _, dup := pairs[p.Name]; dup {
			return nil, fmt.Errorf("duplicate pair name %q", p.Name)
		}
		pairs[p.Name] = p
	}

	d := &Daemon{
		cfg:   cfg,
		pairs: pairs,
		queue: NewPassQueue(),
		bus:   NewEventBus(),
		last:  make(map[string]PassSummary),
	}
	d.runPass = d.reconcile
	return d, nil
}

// Queue returns the pass queue.
func (d *Daemon) Queue() *PassQueue {
	return d.queue
}

// Events returns the bus carrying live events and pass summaries.
func (d *Daemon) Events() *EventBus {
	return d.bus
}

// Store returns the history store, or nil.
func (d *Daemon) Store() *Store {
	return d.cfg.Store
}

// Pairs returns the configured pairs in configuration order.
func (d *Daemon) Pairs() []Pair {
	return d.cfg.Pairs
}

// Run queues an initial pass for every pair, starts the ticker and the
// optional watcher, then processes the queue. Blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	l := sub("daemon")
	l.Info("synchronization started", "pairs", len(d.cfg.Pairs), "interval", d.cfg.Interval, "workers", d.cfg.Workers, "watch", d.cfg.Watch)

	d.queueAll()

	var bg gosync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		d.tick(ctx)
	}()

	if d.cfg.Watch {
		watcher, err := NewWatcher(d.cfg.Pairs, d.queue)
		if err != nil {
			l.Warn("watcher creation failed, continuing on schedule only", "err", err)
		} else {
			bg.Add(1)
			go func() {
				defer bg.Done()
				if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
					l.Warn("watcher stopped unexpectedly", "err", err)
				}
			}()
		}
	}

	l.Info("worker loop started")
	done := ctx.Done()
	for {
		name, ok := d.queue.Pop(done)
		if !ok {
			l.Info("worker stopping, context cancelled")
			break
		}
		d.RunPair(ctx, name)
	}

	if skipped := d.queue.Drain(); len(skipped) > 0 {
		l.Debug("queued passes dropped at shutdown", "pairs", skipped)
	}
	bg.Wait()
	l.Info("synchronization stopped")
}

func (d *Daemon) queueAll() {
	for _, p := range d.cfg.Pairs {
		d.queue.Push(p.Name)
	}
}

// tick queues every pair once per interval. A pair still waiting from a
// previous tick is coalesced by the queue.
func (d *Daemon) tick(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.queueAll()
		}
	}
}

// RunPair runs one pass for the named pair and reports it: the summary is
// logged, published on the bus and recorded in the history store.
// Callers must not invoke it concurrently; Run guarantees that.
func (d *Daemon) RunPair(ctx context.Context, name string) (PassSummary, error) {
	l := sub("daemon")
	p, ok := d.pairs[name]
	if !ok {
		return PassSummary{}, fmt.Errorf("unknown pair %q", name)
	}

	d.setRunning(name)
	l.Info("starting synchronization", "pair", name, "source", p.Source, "replica", p.Replica)
	report, err := d.runPass(ctx, p)
	d.setRunning("")

	if report == nil {
		report = &Report{Source: p.Source, Replica: p.Replica, Started: nowFunc(), Finished: nowFunc()}
	}
	report.Pair = name
	sum := Summarize(report, err)

	if d.cfg.Store != nil {
		id, serr := d.cfg.Store.RecordRun(report, err)
		if serr != nil {
			l.Error("recording run failed", "pair", name, "err", serr)
		} else {
			sum.RunID = id
			if _, perr := d.cfg.Store.PruneRuns(name, d.cfg.HistoryKeep); perr != nil {
				l.Warn("pruning history failed", "pair", name, "err", perr)
			}
		}
	}

	LogSummary(sum)
	d.bus.PublishSummary(sum)

	d.mu.Lock()
	d.last[name] = sum
	d.mu.Unlock()

	if usage, uerr := disk.Usage(p.Replica); uerr == nil {
		l.Debug("replica volume", "pair", name, "free", usage.Free, "total", usage.Total, "usedPercent", usage.UsedPercent)
	}
	return sum, err
}

func (d *Daemon) setRunning(name string) {
	d.mu.Lock()
	d.running = name
	d.mu.Unlock()
}

// DaemonStatus is a point-in-time view of the scheduler.
type DaemonStatus struct {
	Running  string                 `json:"running,omitempty"`
	QueueLen int                    `json:"queueLen"`
	Pairs    []Pair                 `json:"pairs"`
	Last     map[string]PassSummary `json:"last"`
}

// Status returns the current scheduler state.
func (d *Daemon) Status() DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	last := make(map[string]PassSummary, len(d.last))
	for k, v := range d.last {
		last[k] = v
	}
	return DaemonStatus{
		Running:  d.running,
		QueueLen: d.queue.Len(),
		Pairs:    d.cfg.Pairs,
		Last:     last,
	}
}

// reconcile is the default PassFunc: a fresh Reconciler per pass with the
// ignore file reloaded from disk. Events are logged and published live.
func (d *Daemon) reconcile(ctx context.Context, p Pair) (*Report, error) {
	ignore := LoadSyncIgnore(d.cfg.Fs, IgnorePath(d.cfg.IgnoreFile, p.Source))
	r := NewReconciler(d.cfg.Fs, ReconcilerOptions{
		Workers:  d.cfg.Workers,
		Ignore:   ignore,
		TrashDir: d.cfg.TrashDir,
		OnEvent: func(e SyncEvent) {
			LogEvent(p.Name, e)
			d.bus.PublishEvent(p.Name, e)
		},
	})
	return r.Reconcile(ctx, p.Source, p.Replica)
}
