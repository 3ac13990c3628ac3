package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/marusama/semaphore/v2"
	"github.com/spf13/afero"
)

// ErrOverlappingTrees is returned when source, replica or trash directories
// contain one another.
var ErrOverlappingTrees = errors.New("directories overlap")

// ReconcilerOptions tunes a Reconciler. The zero value reconciles
// sequentially with no ignore rules and hard deletes.
type ReconcilerOptions struct {
	// Workers bounds the number of subtrees processed concurrently.
	// Values below 2 keep the traversal sequential.
	Workers int

	// Ignore excludes matching entries on both sides.
	Ignore *SyncIgnore

	// TrashDir, if set, receives deleted replica entries instead of
	// removing them. It must lie outside both trees.
	TrashDir string

	// OnEvent is called for every event as it is emitted. With Workers > 1
	// it may be called from several goroutines at once.
	OnEvent func(SyncEvent)
}

// Reconciler makes a replica directory tree match a source tree.
// It holds no state between passes.
type Reconciler struct {
	fs   afero.Fs
	cmp  *ContentComparator
	opts ReconcilerOptions
}

// NewReconciler returns a Reconciler operating on fsys.
func NewReconciler(fsys afero.Fs, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{
		fs:   fsys,
		cmp:  NewContentComparator(fsys),
		opts: opts,
	}
}

// Reconcile runs one pass making replica mirror source.
//
// The returned error is non-nil only when the pass could not run at all:
// source missing (ErrNotFound), overlapping trees, a failure creating or
// listing either root, or ctx cancellation. Per-path failures are reported
// as SyncError events and through Report.Err. The report is never nil.
func (r *Reconciler) Reconcile(ctx context.Context, source, replica string) (*Report, error) {
	l := sub("reconcile")
	report := &Report{Source: source, Replica: replica, Started: nowFunc()}
	finish := func(err error) (*Report, error) {
		report.Finished = nowFunc()
		return report, err
	}

	info, err := r.fs.Stat(source)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(&PathError{Op: "stat", Path: source, Kind: KindNotFound, Err: err})
	}
	if err != nil {
		return finish(pathErr("stat", source, err))
	}
	if !info.IsDir() {
		return finish(&PathError{Op: "stat", Path: source, Kind: KindIO, Err: errors.New("not a directory")})
	}
	if err := r.checkOverlap(source, replica); err != nil {
		return finish(err)
	}

	p := &pass{
		ctx:     ctx,
		r:       r,
		report:  report,
		onEvent: r.opts.OnEvent,
	}
	if r.opts.Workers > 1 {
		// The calling goroutine counts as one worker.
		p.sem = semaphore.New(r.opts.Workers - 1)
	}

	l.Debug("pass start", "source", source, "replica", replica, "workers", r.opts.Workers)
	err = p.syncDir(source, replica, "", true)
	p.wg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	l.Debug("pass done", "source", source, "events", len(report.Events), "errors", len(report.errs), "err", err)
	return finish(err)
}

func (r *Reconciler) checkOverlap(source, replica string) error {
	dirs := []string{source, replica}
	if r.opts.TrashDir != "" {
		dirs = append(dirs, r.opts.TrashDir)
	}
	for i := range dirs {
		for j := range dirs {
			if i != j && within(dirs[i], dirs[j]) {
				return fmt.Errorf("%w: %s contains %s", ErrOverlappingTrees, dirs[i], dirs[j])
			}
		}
	}
	return nil
}

// within reports whether path is dir or lies beneath it.
func within(dir, path string) bool {
	absDir, err1 := filepath.Abs(dir)
	absPath, err2 := filepath.Abs(path)
	if err1 != nil || err2 != nil {
		absDir, absPath = filepath.Clean(dir), filepath.Clean(path)
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// pass is the mutable state of a single Reconcile call.
type pass struct {
	ctx     context.Context
	r       *Reconciler
	sem     semaphore.Semaphore
	wg      gosync.WaitGroup
	onEvent func(SyncEvent)

	mu     gosync.Mutex
	report *Report
}

func (p *pass) emit(e SyncEvent) {
	e.Time = nowFunc()
	p.mu.Lock()
	p.report.Events = append(p.report.Events, e)
	p.mu.Unlock()
	if p.onEvent != nil {
		p.onEvent(e)
	}
}

func (p *pass) fail(e SyncEvent, err error) {
	e.Kind = SyncError
	e.Err = err.Error()
	p.mu.Lock()
	p.report.errs = append(p.report.errs, err)
	p.mu.Unlock()
	if logEnabled(slog.LevelDebug) {
		sub("reconcile").Debug("path failed", "path", e.Path, "source", e.Source, "err", err)
	}
	p.emit(e)
}

// dirFailed aborts the current directory. At the roots the error ends the
// pass; below them it is recorded and siblings carry on.
func (p *pass) dirFailed(top bool, src, dst string, err error) error {
	if top || p.ctx.Err() != nil {
		return err
	}
	p.fail(SyncEvent{Path: dst, Source: src}, err)
	return nil
}

// descend runs fn on a free worker if there is one, otherwise inline.
func (p *pass) descend(fn func()) {
	if p.sem != nil && p.sem.TryAcquire(1) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			fn()
		}()
		return
	}
	fn()
}

func (p *pass) syncDir(src, dst, rel string, top bool) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	fsys := p.r.fs
	ignore := p.r.opts.Ignore

	// The replica directory must exist before anything is copied into it.
	_, err := fsys.Stat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := fsys.MkdirAll(dst, 0755); err != nil {
			return p.dirFailed(top, src, dst, pathErr("mkdir", dst, err))
		}
		p.emit(SyncEvent{Kind: DirCreated, Path: dst, Source: src})
	case err != nil:
		return p.dirFailed(top, src, dst, pathErr("stat", dst, err))
	}

	srcLs, err := listDir(fsys, src, rel, ignore)
	if err != nil {
		return p.dirFailed(top, src, dst, err)
	}
	dstLs, err := listDir(fsys, dst, rel, ignore)
	if err != nil {
		return p.dirFailed(top, src, dst, err)
	}

	// New and changed files.
	for _, name := range srcLs.fileNames {
		if p.ctx.Err() != nil {
			return p.ctx.Err()
		}
		p.syncFile(filepath.Join(src, name), filepath.Join(dst, name), name, dstLs)
	}

	// Replica files absent from source. Runs before recursion so a source
	// directory can take the place of a replica file.
	for _, names := range [][]string{dstLs.fileNames, dstLs.otherNames} {
		for _, name := range names {
			if _, ok := srcLs.files[name]; ok {
				continue
			}
			path := filepath.Join(dst, name)
			if err := removePath(fsys, path, false, p.r.opts.TrashDir); err != nil {
				p.fail(SyncEvent{Path: path}, err)
				continue
			}
			p.emit(SyncEvent{Kind: FileDeleted, Path: path})
		}
	}

	// Replica directories absent from source. Names that are files in
	// source were already replaced above.
	for _, name := range dstLs.dirNames {
		if _, ok := srcLs.dirs[name]; ok {
			continue
		}
		if _, ok := srcLs.files[name]; ok {
			continue
		}
		path := filepath.Join(dst, name)
		if err := removePath(fsys, path, true, p.r.opts.TrashDir); err != nil {
			p.fail(SyncEvent{Path: path}, err)
			continue
		}
		p.emit(SyncEvent{Kind: DirDeleted, Path: path})
	}

	for _, name := range srcLs.dirNames {
		childSrc := filepath.Join(src, name)
		childDst := filepath.Join(dst, name)
		childRel := joinRel(rel, name)
		p.descend(func() {
			p.syncDir(childSrc, childDst, childRel, false) //nolint:errcheck
		})
	}

	return nil
}

// syncFile brings one replica file in line with its source counterpart.
func (p *pass) syncFile(src, dst, name string, dstLs *dirListing) {
	fsys := p.r.fs

	if _, isDir := dstLs.dirs[name]; isDir {
		// A replica directory stands where the source has a file.
		if err := removePath(fsys, dst, true, p.r.opts.TrashDir); err != nil {
			p.fail(SyncEvent{Path: dst, Source: src}, err)
			return
		}
		p.emit(SyncEvent{Kind: DirDeleted, Path: dst})
	} else if _, exists := dstLs.files[name]; exists {
		equal, err := p.r.cmp.Equal(src, dst)
		if err != nil {
			p.fail(SyncEvent{Path: dst, Source: src}, err)
			return
		}
		if equal {
			if logEnabled(slog.LevelDebug) {
				sub("reconcile").Debug("unchanged", "path", dst)
			}
			return
		}
	}

	n, err := SafeCopy(p.ctx, fsys, src, dst)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.fail(SyncEvent{Path: dst, Source: src}, err)
		return
	}
	p.emit(SyncEvent{Kind: FileCopied, Path: dst, Source: src, Size: n})
}
