package sync

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/maruel/natural"
	"github.com/spf13/afero"
)

// FileStat holds the stat information needed for sync operations.
type FileStat struct {
	Name  string
	Size  int64
	Mtime int64 // nanoseconds
	IsDir bool
}

// dirListing is one level of a directory split by entry type.
// Names are in natural order.
type dirListing struct {
	files  map[string]os.FileInfo // regular files
	dirs   map[string]os.FileInfo
	others map[string]os.FileInfo // symlinks, devices, sockets, ...

	fileNames  []string
	dirNames   []string
	otherNames []string
}

// listDir reads the immediate children of dir, skipping ignored entries.
// rel is dir's slash path relative to the tree root, used for ignore matching.
func listDir(fsys afero.Fs, dir, rel string, ignore *SyncIgnore) (*dirListing, error) {
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, pathErr("list", dir, err)
	}

	ls := &dirListing{
		files:  make(map[string]os.FileInfo),
		dirs:   make(map[string]os.FileInfo),
		others: make(map[string]os.FileInfo),
	}
	for _, info := range infos {
		name := info.Name()
		if ignore.Match(joinRel(rel, name), info.IsDir()) {
			continue
		}
		switch {
		case info.IsDir():
			ls.dirs[name] = info
			ls.dirNames = append(ls.dirNames, name)
		case info.Mode().IsRegular():
			ls.files[name] = info
			ls.fileNames = append(ls.fileNames, name)
		default:
			ls.others[name] = info
			ls.otherNames = append(ls.otherNames, name)
		}
	}
	sort.Sort(natural.StringSlice(ls.fileNames))
	sort.Sort(natural.StringSlice(ls.dirNames))
	sort.Sort(natural.StringSlice(ls.otherNames))
	return ls, nil
}

func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}

// ScanDir walks a directory tree and returns FileStat for each entry keyed
// by slash-separated path relative to root. Ignored entries and entries
// that are neither regular files nor directories are skipped.
func ScanDir(fsys afero.Fs, root string, ignore *SyncIgnore) (map[string]FileStat, error) {
	l := sub("scanner")
	l.Debug("scan start", "root", root)
	result := make(map[string]FileStat)

	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			l.Warn("scan walk error", "path", path, "err", err)
			return err
		}

		// Skip the root itself
		if path == root {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if ignore.Match(relPath, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		result[relPath] = FileStat{
			Name:  info.Name(),
			Size:  info.Size(),
			Mtime: info.ModTime().UnixNano(),
			IsDir: info.IsDir(),
		}
		return nil
	})

	l.Debug("scan complete", "root", root, "entries", len(result))
	return result, err
}

// Verify compares two trees entry by entry and returns the relative paths
// that differ: missing on either side, differing in type, or differing in
// content. An empty result means the replica mirrors the source.
func Verify(fsys afero.Fs, source, replica string, ignore *SyncIgnore) ([]string, error) {
	src, err := ScanDir(fsys, source, ignore)
	if err != nil {
		return nil, err
	}
	dst, err := ScanDir(fsys, replica, ignore)
	if err != nil {
		return nil, err
	}

	cmp := NewContentComparator(fsys)
	var diffs []string
	for rel, s := range src {
		d, ok := dst[rel]
		switch {
		case !ok || s.IsDir != d.IsDir:
			diffs = append(diffs, rel)
		case !s.IsDir:
			equal, err := cmp.Equal(filepath.Join(source, rel), filepath.Join(replica, rel))
			if err != nil {
				return nil, err
			}
			if !equal {
				diffs = append(diffs, rel)
			}
		}
	}
	for rel := range dst {
		if _, ok := src[rel]; !ok {
			diffs = append(diffs, rel)
		}
	}
	sort.Sort(natural.StringSlice(diffs))
	return diffs, nil
}
