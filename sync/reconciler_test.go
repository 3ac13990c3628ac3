package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPair(t *testing.T) (src, dst string) {
	t.Helper()
	dir := t.TempDir()
	src = filepath.Join(dir, "source")
	dst = filepath.Join(dir, "replica")
	require.NoError(t, os.MkdirAll(src, 0755))
	return src, dst
}

func reconcile(t *testing.T, fsys afero.Fs, opts ReconcilerOptions, src, dst string) *Report {
	t.Helper()
	report, err := NewReconciler(fsys, opts).Reconcile(context.Background(), src, dst)
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func kinds(events []SyncEvent) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func eventFor(events []SyncEvent, kind EventKind, path string) int {
	for i, e := range events {
		if e.Kind == kind && e.Path == path {
			return i
		}
	}
	return -1
}

func assertMirrored(t *testing.T, src, dst string, ignore *SyncIgnore) {
	t.Helper()
	diffs, err := Verify(afero.NewOsFs(), src, dst, ignore)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestReconcile_ChangedAndOrphanFiles(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"a.txt": "X"})
	writeTree(t, dst, map[string]string{"a.txt": "Y", "b.txt": "Z"})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.Equal(t, "X", readFile(t, filepath.Join(dst, "a.txt")))
	assert.NoFileExists(t, filepath.Join(dst, "b.txt"))
	require.Len(t, report.Events, 2)
	assert.Equal(t, FileCopied, report.Events[0].Kind)
	assert.Equal(t, filepath.Join(dst, "a.txt"), report.Events[0].Path)
	assert.Equal(t, filepath.Join(src, "a.txt"), report.Events[0].Source)
	assert.Equal(t, int64(1), report.Events[0].Size)
	assert.Equal(t, FileDeleted, report.Events[1].Kind)
	assert.Equal(t, filepath.Join(dst, "b.txt"), report.Events[1].Path)
	assert.NoError(t, report.Err())
}

func TestReconcile_EmptySubdirectory(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"sub/": ""})
	require.NoError(t, os.MkdirAll(dst, 0755))

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.DirExists(t, filepath.Join(dst, "sub"))
	require.Len(t, report.Events, 1)
	assert.Equal(t, DirCreated, report.Events[0].Kind)
	assert.Equal(t, filepath.Join(dst, "sub"), report.Events[0].Path)
}

func TestReconcile_CreatesMissingReplicaRoot(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"f.txt": "data"})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.Equal(t, []EventKind{DirCreated, FileCopied}, kinds(report.Events))
	assert.Equal(t, dst, report.Events[0].Path)
	assert.Equal(t, "data", readFile(t, filepath.Join(dst, "f.txt")))
}

func TestReconcile_NestedTree(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{
		"top.txt":         "top",
		"a/one.txt":       "1",
		"a/b/two.txt":     "2",
		"a/b/c/three.txt": "3",
		"empty/":          "",
		"z/last.bin":      "\x00\x01\x02",
	})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assertMirrored(t, src, dst, nil)
	assert.Equal(t, 5, report.Count(FileCopied))
	// replica root, a, a/b, a/b/c, empty, z
	assert.Equal(t, 6, report.Count(DirCreated))
	assert.Equal(t, int64(3+1+1+1+3), report.BytesCopied())

	// Parents are created before their children.
	assert.Less(t, eventFor(report.Events, DirCreated, filepath.Join(dst, "a")),
		eventFor(report.Events, FileCopied, filepath.Join(dst, "a", "one.txt")))
	assert.Less(t, eventFor(report.Events, DirCreated, filepath.Join(dst, "a", "b")),
		eventFor(report.Events, DirCreated, filepath.Join(dst, "a", "b", "c")))
}

func TestReconcile_Idempotent(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{
		"a.txt":     "A",
		"d/b.txt":   "B",
		"d/e/c.txt": "C",
		"empty/":    "",
	})
	writeTree(t, dst, map[string]string{"stale.txt": "old", "old/x.txt": "x"})

	first := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)
	assert.NotZero(t, first.Mutations())

	second := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)
	assert.Empty(t, second.Events)
	assertMirrored(t, src, dst, nil)
}

func TestReconcile_UnchangedContentNotCopied(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"same.txt": "identical"})
	writeTree(t, dst, map[string]string{"same.txt": "identical"})

	// Touch the source: newer mtime, same bytes.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(src, "same.txt"), later, later))
	before, err := os.Stat(filepath.Join(dst, "same.txt"))
	require.NoError(t, err)

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.Empty(t, report.Events)
	after, err := os.Stat(filepath.Join(dst, "same.txt"))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestReconcile_SameSizeDifferentContentCopied(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"f": "abcd"})
	writeTree(t, dst, map[string]string{"f": "abce"})

	// Replica is newer; content still wins.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dst, "f"), later, later))

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.Equal(t, []EventKind{FileCopied}, kinds(report.Events))
	assert.Equal(t, "abcd", readFile(t, filepath.Join(dst, "f")))
}

func TestReconcile_SourceNamedLikeTempFile(t *testing.T) {
	src, dst := setupPair(t)
	tmpName := "a" + tmpSuffix
	writeTree(t, src, map[string]string{"a": "one", tmpName: "real file"})

	first := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)
	require.NoError(t, first.Err())
	assertMirrored(t, src, dst, nil)

	writeTree(t, src, map[string]string{"a": "two"})
	second := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	require.NoError(t, second.Err())
	assert.Equal(t, []EventKind{FileCopied}, kinds(second.Events))
	assert.Equal(t, filepath.Join(dst, "a"), second.Events[0].Path)
	assert.Equal(t, "two", readFile(t, filepath.Join(dst, "a")))
	assert.Equal(t, "real file", readFile(t, filepath.Join(dst, tmpName)))
	assert.ElementsMatch(t, []string{"a", tmpName}, dirNames(t, afero.NewOsFs(), dst))
	assertMirrored(t, src, dst, nil)
}

func TestReconcile_PreservesSourceMtime(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"f.txt": "content"})
	old := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "f.txt"), old, old))

	reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	info, err := os.Stat(filepath.Join(dst, "f.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old))
}

func TestReconcile_DeletesOrphanDirectoryRecursively(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"keep.txt": "k"})
	writeTree(t, dst, map[string]string{
		"keep.txt":          "k",
		"gone/a.txt":        "a",
		"gone/deep/b.txt":   "b",
		"gone/deep/deeper/": "",
	})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.NoDirExists(t, filepath.Join(dst, "gone"))
	// One event for the whole subtree.
	assert.Equal(t, []EventKind{DirDeleted}, kinds(report.Events))
	assert.Equal(t, filepath.Join(dst, "gone"), report.Events[0].Path)
}

func TestReconcile_SourceFileReplacesReplicaDir(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"x": "now a file"})
	writeTree(t, dst, map[string]string{"x/inner.txt": "was a dir"})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.Equal(t, []EventKind{DirDeleted, FileCopied}, kinds(report.Events))
	assert.Equal(t, "now a file", readFile(t, filepath.Join(dst, "x")))
	assertMirrored(t, src, dst, nil)
}

func TestReconcile_SourceDirReplacesReplicaFile(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"y/inner.txt": "in a dir"})
	writeTree(t, dst, map[string]string{"y": "was a file"})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.Equal(t, []EventKind{FileDeleted, DirCreated, FileCopied}, kinds(report.Events))
	assert.Equal(t, "in a dir", readFile(t, filepath.Join(dst, "y", "inner.txt")))
	assertMirrored(t, src, dst, nil)
}

func TestReconcile_UnreadableFileIsPartialFailure(t *testing.T) {
	src, dst := setupPair(t)
	files := make(map[string]string)
	for i := 0; i < 10; i++ {
		files[fmt.Sprintf("file%d.txt", i)] = fmt.Sprintf("content %d", i)
	}
	writeTree(t, src, files)

	fsys := newDenyFs(afero.NewOsFs())
	locked := filepath.Join(src, "file3.txt")
	fsys.deny(locked)

	report, err := NewReconciler(fsys, ReconcilerOptions{}).Reconcile(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, 9, report.Count(FileCopied))
	assert.Equal(t, 1, report.Count(SyncError))
	idx := eventFor(report.Events, SyncError, filepath.Join(dst, "file3.txt"))
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, locked, report.Events[idx].Source)
	assert.NotEmpty(t, report.Events[idx].Err)

	perr := report.Err()
	require.Error(t, perr)
	assert.ErrorIs(t, perr, ErrPartialFailure)
	assert.ErrorIs(t, perr, ErrPermission)
	assert.Equal(t, KindPartialFailure, KindOf(perr))
	require.Len(t, report.Errors(), 1)
	assert.Equal(t, KindPermission, KindOf(report.Errors()[0]))

	assert.NoFileExists(t, filepath.Join(dst, "file3.txt"))
	assert.Equal(t, StatusPartial, Summarize(report, err).Status)
}

func TestReconcile_UnreadableSubdirectoryContinues(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{
		"bad/secret.txt": "s",
		"good/ok.txt":    "ok",
	})

	fsys := newDenyFs(afero.NewOsFs())
	fsys.deny(filepath.Join(src, "bad"))

	report, err := NewReconciler(fsys, ReconcilerOptions{}).Reconcile(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, "ok", readFile(t, filepath.Join(dst, "good", "ok.txt")))
	assert.Equal(t, 1, report.Count(SyncError))
	assert.ErrorIs(t, report.Err(), ErrPartialFailure)
}

func TestReconcile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "does-not-exist")
	dst := filepath.Join(dir, "replica")

	report, err := NewReconciler(afero.NewOsFs(), ReconcilerOptions{}).Reconcile(context.Background(), src, dst)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	require.NotNil(t, report)
	assert.Empty(t, report.Events)
	assert.NoDirExists(t, dst)
	assert.Equal(t, StatusFailed, Summarize(report, err).Status)
}

func TestReconcile_SourceIsFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	_, err := NewReconciler(afero.NewOsFs(), ReconcilerOptions{}).Reconcile(context.Background(), src, filepath.Join(dir, "r"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
}

func TestReconcile_OverlappingTrees(t *testing.T) {
	src, _ := setupPair(t)
	r := NewReconciler(afero.NewOsFs(), ReconcilerOptions{})

	_, err := r.Reconcile(context.Background(), src, filepath.Join(src, "replica"))
	assert.ErrorIs(t, err, ErrOverlappingTrees)

	_, err = r.Reconcile(context.Background(), src, src)
	assert.ErrorIs(t, err, ErrOverlappingTrees)

	_, err = r.Reconcile(context.Background(), src, filepath.Dir(src))
	assert.ErrorIs(t, err, ErrOverlappingTrees)

	withTrash := NewReconciler(afero.NewOsFs(), ReconcilerOptions{TrashDir: filepath.Join(src, ".trash")})
	_, err = withTrash.Reconcile(context.Background(), src, filepath.Join(filepath.Dir(src), "replica"))
	assert.ErrorIs(t, err, ErrOverlappingTrees)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a/b", "/a/b"))
	assert.True(t, within("/a/b", "/a/b/c"))
	assert.False(t, within("/a/b", "/a/bc"))
	assert.False(t, within("/a/b", "/a"))
	assert.False(t, within("/a/b", "/x/y"))
}

func TestReconcile_CancelledContext(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"a.txt": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewReconciler(afero.NewOsFs(), ReconcilerOptions{}).Reconcile(ctx, src, dst)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.NoFileExists(t, filepath.Join(dst, "a.txt"))
}

func TestReconcile_IgnoreRules(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{
		"keep.txt":       "k",
		"skip.tmp":       "t",
		"cache/data.bin": "c",
		"docs/draft.tmp": "d",
		"docs/final.md":  "f",
	})
	writeTree(t, dst, map[string]string{
		"local.tmp":     "replica only, ignored",
		"cache/old.bin": "replica only, ignored dir",
	})

	ignore := NewSyncIgnore("# comment", "*.tmp", "cache/")
	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{Ignore: ignore}, src, dst)

	assert.FileExists(t, filepath.Join(dst, "keep.txt"))
	assert.FileExists(t, filepath.Join(dst, "docs", "final.md"))
	assert.NoFileExists(t, filepath.Join(dst, "skip.tmp"))
	assert.NoFileExists(t, filepath.Join(dst, "docs", "draft.tmp"))
	assert.NoFileExists(t, filepath.Join(dst, "cache", "data.bin"))

	// Ignored replica entries survive.
	assert.FileExists(t, filepath.Join(dst, "local.tmp"))
	assert.FileExists(t, filepath.Join(dst, "cache", "old.bin"))
	assert.Zero(t, report.Count(FileDeleted)+report.Count(DirDeleted))

	assertMirrored(t, src, dst, ignore)
}

func TestReconcile_TrashKeepsDeletedEntries(t *testing.T) {
	setNow(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	src, dst := setupPair(t)
	trash := filepath.Join(filepath.Dir(src), "trash")
	writeTree(t, dst, map[string]string{"old.txt": "old", "olddir/f": "f"})

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{TrashDir: trash}, src, dst)

	assert.Equal(t, 1, report.Count(FileDeleted))
	assert.Equal(t, 1, report.Count(DirDeleted))
	assert.NoFileExists(t, filepath.Join(dst, "old.txt"))
	assert.Equal(t, "old", readFile(t, filepath.Join(trash, "2026-03-14", "old.txt")))
	assert.Equal(t, "f", readFile(t, filepath.Join(trash, "2026-03-14", "olddir", "f")))
}

func TestReconcile_ParallelMatchesSequential(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source")
	files := make(map[string]string)
	for d := 0; d < 6; d++ {
		for s := 0; s < 3; s++ {
			for f := 0; f < 4; f++ {
				files[fmt.Sprintf("d%d/s%d/f%d.txt", d, s, f)] = fmt.Sprintf("%d-%d-%d", d, s, f)
			}
		}
		files[fmt.Sprintf("d%d/root.txt", d)] = "r"
	}
	writeTree(t, src, files)

	seq := filepath.Join(dir, "seq")
	par := filepath.Join(dir, "par")
	writeTree(t, seq, map[string]string{"orphan/x": "x", "d1/s1/extra": "e"})
	writeTree(t, par, map[string]string{"orphan/x": "x", "d1/s1/extra": "e"})

	seqReport := reconcile(t, afero.NewOsFs(), ReconcilerOptions{Workers: 1}, src, seq)
	parReport := reconcile(t, afero.NewOsFs(), ReconcilerOptions{Workers: 4}, src, par)

	assertMirrored(t, src, seq, nil)
	assertMirrored(t, src, par, nil)
	for _, k := range []EventKind{DirCreated, FileCopied, FileDeleted, DirDeleted, SyncError} {
		assert.Equal(t, seqReport.Count(k), parReport.Count(k), "count of %s", k)
	}
	assert.Equal(t, len(files), parReport.Count(FileCopied))
}

func TestReconcile_OnEventSeesEveryEvent(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"a": "1", "b/c": "2"})

	var seen []SyncEvent
	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{
		OnEvent: func(e SyncEvent) { seen = append(seen, e) },
	}, src, dst)

	assert.Equal(t, report.Events, seen)
	for _, e := range seen {
		assert.False(t, e.Time.IsZero())
	}
}

func TestReconcile_NonRegularSourceSkipped(t *testing.T) {
	src, dst := setupPair(t)
	writeTree(t, src, map[string]string{"real.txt": "r"})
	if err := os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.Symlink("/nonexistent", filepath.Join(dst, "dangling")))

	report := reconcile(t, afero.NewOsFs(), ReconcilerOptions{}, src, dst)

	assert.NoFileExists(t, filepath.Join(dst, "link.txt"))
	_, err := os.Lstat(filepath.Join(dst, "dangling"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []EventKind{FileCopied, FileDeleted}, kinds(report.Events))
}
