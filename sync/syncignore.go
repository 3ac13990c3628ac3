package sync

import (
	"bufio"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreFileName is the ignore file looked up in a source root.
const IgnoreFileName = ".syncignore"

// IgnorePath resolves the ignore file for a source root: name if absolute,
// otherwise name inside source. An empty name means IgnoreFileName.
func IgnorePath(name, source string) string {
	if name == "" {
		name = IgnoreFileName
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(source, name)
}

// SyncIgnore holds patterns loaded from a .syncignore file.
// Matching entries are neither copied nor deleted.
type SyncIgnore struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern  string
	dirOnly  bool // trailing / in source line
	anchored bool // contains /, matched against the relative path
}

// LoadSyncIgnore reads an ignore file and returns a SyncIgnore.
// If the file does not exist or cannot be read, returns an empty SyncIgnore
// (nothing is ignored).
func LoadSyncIgnore(fsys afero.Fs, file string) *SyncIgnore {
	f, err := fsys.Open(file)
	if err != nil {
		return &SyncIgnore{}
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		sub("ignore").Warn("ignore file read failed", "path", file, "err", err)
	}
	return NewSyncIgnore(lines...)
}

// NewSyncIgnore builds a SyncIgnore from pattern lines. Blank lines and
// lines starting with # are skipped.
func NewSyncIgnore(lines ...string) *SyncIgnore {
	si := &SyncIgnore{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		p.anchored = strings.Contains(p.pattern, "/")
		p.pattern = strings.TrimPrefix(p.pattern, "/")
		si.patterns = append(si.patterns, p)
	}
	return si
}

// Len returns the number of loaded patterns.
func (si *SyncIgnore) Len() int {
	if si == nil {
		return 0
	}
	return len(si.patterns)
}

// Match reports whether the entry at rel (slash-separated, relative to the
// tree root) is ignored. For dirOnly patterns, isDir must be true.
// A nil SyncIgnore matches nothing.
func (si *SyncIgnore) Match(rel string, isDir bool) bool {
	if si == nil {
		return false
	}
	name := path.Base(rel)
	for _, p := range si.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		target := name
		if p.anchored {
			target = rel
		}
		if matched, _ := path.Match(p.pattern, target); matched {
			return true
		}
	}
	return false
}
