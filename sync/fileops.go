package sync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

const copyChunkSize = 256 * 1024 // 256KB per chunk

const (
	tmpSuffix   = ".sync-tmp"
	maxNameLen  = 255
	tmpHashSize = 8
	tmpRandLen  = 10 // "." plus the nine digits afero.TempFile adds
)

// ErrSourceModified is returned when SafeCopy detects that the source
// file was modified during the copy.
var ErrSourceModified = fmt.Errorf("source modified during copy")

// tmpPattern returns the afero.TempFile pattern for a temp file next to
// dst. The name is hidden, carries a random part and ends in tmpSuffix, so
// it never lands on a mirrored entry. Names that would exceed the
// filesystem limit are truncated and tagged with a short digest of the
// full name.
func tmpPattern(dst string) string {
	base := filepath.Base(dst)
	if 1+len(base)+tmpRandLen+len(tmpSuffix) <= maxNameLen {
		return "." + base + ".*" + tmpSuffix
	}
	sum := blake2b.Sum256([]byte(base))
	tag := "-" + hex.EncodeToString(sum[:tmpHashSize])
	keep := maxNameLen - 1 - len(tag) - tmpRandLen - len(tmpSuffix)
	return "." + base[:keep] + tag + ".*" + tmpSuffix
}

// createTmp creates a fresh temp file for dst. The create is exclusive, so
// an existing file is never truncated.
func createTmp(fsys afero.Fs, dst string) (afero.File, error) {
	f, err := afero.TempFile(fsys, filepath.Dir(dst), tmpPattern(dst))
	if err != nil {
		return nil, pathErr("create", dst, err)
	}
	if err := fsys.Chmod(f.Name(), 0644); err != nil {
		f.Close()
		fsys.Remove(f.Name()) //nolint:errcheck
		return nil, pathErr("chmod", f.Name(), err)
	}
	return f, nil
}

// SafeCopy copies src to dst atomically and returns the bytes written:
// 1. Record src mtime
// 2. Copy to a fresh temp file next to dst in chunks, checking ctx between chunks
// 3. Verify src mtime unchanged
// 4. Set dst mtime to src mtime and rename temp → dst
//
// The temp file is removed on every failure path.
func SafeCopy(ctx context.Context, fsys afero.Fs, src, dst string) (int64, error) {
	srcInfo, err := fsys.Stat(src)
	if err != nil {
		return 0, pathErr("stat", src, err)
	}
	mtime1 := srcInfo.ModTime().UnixNano()

	if err := fsys.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, pathErr("mkdir", filepath.Dir(dst), err)
	}

	srcFile, err := fsys.Open(src)
	if err != nil {
		return 0, pathErr("open", src, err)
	}
	defer srcFile.Close()

	tmpFile, err := createTmp(fsys, dst)
	if err != nil {
		return 0, err
	}
	tmpPath := tmpFile.Name()

	written, copyErr := copyChunks(ctx, tmpFile, srcFile, src, tmpPath)
	if closeErr := tmpFile.Close(); copyErr == nil && closeErr != nil {
		copyErr = pathErr("close", tmpPath, closeErr)
	}
	if copyErr != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return 0, copyErr
	}

	srcInfo2, err := fsys.Stat(src)
	if err != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return 0, pathErr("re-stat", src, err)
	}
	if srcInfo2.ModTime().UnixNano() != mtime1 {
		fsys.Remove(tmpPath) //nolint:errcheck
		return 0, pathErr("copy", src, ErrSourceModified)
	}

	if err := fsys.Chtimes(tmpPath, time.Now(), srcInfo.ModTime()); err != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return 0, pathErr("chtimes", tmpPath, err)
	}

	if err := fsys.Rename(tmpPath, dst); err != nil {
		fsys.Remove(tmpPath) //nolint:errcheck
		return 0, pathErr("rename", dst, err)
	}

	return written, nil
}

func copyChunks(ctx context.Context, w io.Writer, r io.Reader, src, tmpPath string) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, pathErr("write", tmpPath, err)
			}
			written += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, pathErr("read", src, readErr)
		}
	}
}

// trashMu serializes trash moves so two deletions never pick the same
// free name.
var trashMu gosync.Mutex

// SoftDelete moves a file or directory to the trash directory
// (<trashRoot>/YYYY-MM-DD/). Returns the final trash path.
func SoftDelete(fsys afero.Fs, path, trashRoot string) (string, error) {
	trashMu.Lock()
	defer trashMu.Unlock()

	dateDir := filepath.Join(trashRoot, nowFunc().Format("2006-01-02"))
	if err := fsys.MkdirAll(dateDir, 0755); err != nil {
		return "", pathErr("mkdir trash", dateDir, err)
	}

	base := filepath.Base(path)
	trashPath := filepath.Join(dateDir, base)

	// Handle name collision in trash
	if exists, _ := afero.Exists(fsys, trashPath); exists {
		ext := filepath.Ext(base)
		name := base[:len(base)-len(ext)]
		for i := 1; ; i++ {
			trashPath = filepath.Join(dateDir, fmt.Sprintf("%s_%d%s", name, i, ext))
			if exists, _ := afero.Exists(fsys, trashPath); !exists {
				break
			}
		}
	}

	if err := fsys.Rename(path, trashPath); err != nil {
		return "", pathErr("move to trash", path, err)
	}

	return trashPath, nil
}

// removePath deletes a replica file or directory subtree, or moves it to
// trashRoot when one is configured.
func removePath(fsys afero.Fs, path string, isDir bool, trashRoot string) error {
	if trashRoot != "" {
		_, err := SoftDelete(fsys, path, trashRoot)
		return err
	}
	if isDir {
		return pathErr("remove dir", path, fsys.RemoveAll(path))
	}
	return pathErr("remove", path, fsys.Remove(path))
}
