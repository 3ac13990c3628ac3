package sync

import (
	"time"

	"github.com/samber/lo"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// EventKind identifies what a SyncEvent records.
type EventKind string

const (
	DirCreated  EventKind = "dir_created"
	FileCopied  EventKind = "file_copied"
	FileDeleted EventKind = "file_deleted"
	DirDeleted  EventKind = "dir_deleted"
	SyncError   EventKind = "sync_error"
)

// SyncEvent is an immutable record of one mutation or error in a pass.
type SyncEvent struct {
	Time   time.Time `json:"time"`
	Kind   EventKind `json:"kind"`
	Path   string    `json:"path"`             // replica path affected
	Source string    `json:"source,omitempty"` // source path for copies and source-side errors
	Size   int64     `json:"size,omitempty"`   // bytes written, copies only
	Err    string    `json:"error,omitempty"`
}

// IsMutation reports whether the event changed the replica tree.
func (e SyncEvent) IsMutation() bool {
	return e.Kind != SyncError
}

// Pair is a source/replica directory pair scheduled as one unit.
type Pair struct {
	Name    string `json:"name" mapstructure:"name" yaml:"name"`
	Source  string `json:"source" mapstructure:"source" yaml:"source"`
	Replica string `json:"replica" mapstructure:"replica" yaml:"replica"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Pair     string      `json:"pair,omitempty"`
	Source   string      `json:"source"`
	Replica  string      `json:"replica"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Events   []SyncEvent `json:"events"`

	errs []error
}

// Count returns the number of events of the given kind.
func (r *Report) Count(kind EventKind) int {
	return lo.CountBy(r.Events, func(e SyncEvent) bool { return e.Kind == kind })
}

// Mutations returns the number of events that changed the replica.
func (r *Report) Mutations() int {
	return lo.CountBy(r.Events, SyncEvent.IsMutation)
}

// BytesCopied sums the sizes of all copied files.
func (r *Report) BytesCopied() int64 {
	return lo.SumBy(r.Events, func(e SyncEvent) int64 { return e.Size })
}

// Errors returns the per-path errors recorded during the pass.
func (r *Report) Errors() []error {
	return r.errs
}

// Err returns nil if every path succeeded, otherwise an error matching
// ErrPartialFailure that wraps each per-path error.
func (r *Report) Err() error {
	return partialFailure(r.errs)
}

// Duration is the wall time of the pass.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// PassSummary is broadcast on the event bus when a pass finishes.
type PassSummary struct {
	Pair         string        `json:"pair"`
	RunID        int64         `json:"runId,omitempty"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	DirsCreated  int           `json:"dirsCreated"`
	FilesCopied  int           `json:"filesCopied"`
	FilesDeleted int           `json:"filesDeleted"`
	DirsDeleted  int           `json:"dirsDeleted"`
	Errors       int           `json:"errors"`
	BytesCopied  int64         `json:"bytesCopied"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
}

// Run statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Summarize builds the pass summary for r; passErr is the error returned
// by Reconcile, if any.
func Summarize(r *Report, passErr error) PassSummary {
	s := PassSummary{
		Pair:         r.Pair,
		Started:      r.Started,
		Duration:     r.Duration(),
		DirsCreated:  r.Count(DirCreated),
		FilesCopied:  r.Count(FileCopied),
		FilesDeleted: r.Count(FileDeleted),
		DirsDeleted:  r.Count(DirDeleted),
		Errors:       r.Count(SyncError),
		BytesCopied:  r.BytesCopied(),
		Status:       StatusOK,
	}
	switch {
	case passErr != nil:
		s.Status = StatusFailed
		s.Error = passErr.Error()
	case len(r.errs) > 0:
		s.Status = StatusPartial
	}
	return s
}
