package sync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

const digestBufSize = 64 * 1024

// ContentComparator decides whether two regular files hold the same bytes.
// Modification times and other metadata are ignored.
type ContentComparator struct {
	fs afero.Fs
}

// NewContentComparator returns a comparator reading through fsys.
func NewContentComparator(fsys afero.Fs) *ContentComparator {
	return &ContentComparator{fs: fsys}
}

// Equal reports whether a and b have identical content. Files of different
// size are unequal without being read. Open or read failures are returned
// as *PathError and never reported as a mismatch.
func (c *ContentComparator) Equal(a, b string) (bool, error) {
	infoA, err := c.fs.Stat(a)
	if err != nil {
		return false, pathErr("stat", a, err)
	}
	infoB, err := c.fs.Stat(b)
	if err != nil {
		return false, pathErr("stat", b, err)
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	sumA, err := c.Digest(a)
	if err != nil {
		return false, err
	}
	sumB, err := c.Digest(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(sumA, sumB), nil
}

// Digest streams the file at path through BLAKE2b-256.
func (c *ContentComparator) Digest(path string) ([]byte, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, pathErr("open", path, err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("init digest: %w", err)
	}
	buf := make([]byte, digestBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, pathErr("read", path, err)
	}
	return h.Sum(nil), nil
}
