package sync

import (
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// denyFs fails Open with a permission error for selected paths. Running as
// root makes chmod useless for this, and every read goes through Open.
type denyFs struct {
	afero.Fs
	mu     gosync.Mutex
	denied map[string]bool
}

func newDenyFs(base afero.Fs) *denyFs {
	return &denyFs{Fs: base, denied: make(map[string]bool)}
}

func (d *denyFs) deny(path string) {
	d.mu.Lock()
	d.denied[path] = true
	d.mu.Unlock()
}

func (d *denyFs) Open(name string) (afero.File, error) {
	d.mu.Lock()
	denied := d.denied[name]
	d.mu.Unlock()
	if denied {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return d.Fs.Open(name)
}

// touchFs reports a later mtime for path on every Stat after the first,
// as if the file was written to while being copied.
type touchFs struct {
	afero.Fs
	path  string
	stats int
}

type shiftedInfo struct {
	os.FileInfo
	mod time.Time
}

func (i shiftedInfo) ModTime() time.Time { return i.mod }

func (f *touchFs) Stat(name string) (os.FileInfo, error) {
	info, err := f.Fs.Stat(name)
	if err != nil || name != f.path {
		return info, err
	}
	f.stats++
	if f.stats > 1 {
		return shiftedInfo{FileInfo: info, mod: info.ModTime().Add(time.Second)}, nil
	}
	return info, nil
}

// writeTree creates files (relative path → content) under root. Paths
// ending in / are created as empty directories.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if rel[len(rel)-1] == '/' {
			require.NoError(t, os.MkdirAll(p, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// setNow pins nowFunc for the duration of the test.
func setNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })
}
