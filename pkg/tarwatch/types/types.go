// Package types provides core data types for the tarwatch archiver.
// It includes the per-entry pipeline state, size snapshots, tree listings
// and archive results, along with the typed errors shared by every stage.
package types

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the processing state of a watched entry.
type Status string

// Pipeline states, in the order an entry moves through them.
const (
	StatusDiscovered  Status = "discovered"
	StatusStabilizing Status = "stabilizing"
	StatusStable      Status = "stable"
	StatusArchiving   Status = "archiving"
	StatusVerified    Status = "verified"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition follows s.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// Candidate is an immediate child of the watch root picked up by a poll cycle.
type Candidate struct {
	// ID identifies one processing attempt. A rediscovered entry gets a new ID.
	ID string `json:"id"`

	// Path is the absolute path of the entry.
	Path string `json:"path"`

	// DiscoveredAt is when the poll cycle first saw the entry.
	DiscoveredAt time.Time `json:"discovered_at"`

	// Status is the current pipeline state.
	Status Status `json:"status"`
}

// Snapshot is the total size and regular-file count of a tree at one instant.
type Snapshot struct {
	Size  int64 `json:"size"`
	Files int64 `json:"files"`
}

// String renders the snapshot for logs, e.g. "12 MiB in 40 files".
func (s Snapshot) String() string {
	return FormatSize(s.Size) + " in " + humanize.Comma(s.Files) + " files"
}

// TreeListing is a sorted sequence of slash-separated paths relative to a
// root, excluding the root itself. Files and directories are peers.
type TreeListing []string

// ArchiveResult is the outcome of one archive and verify cycle.
type ArchiveResult struct {
	// ID is the candidate attempt this result belongs to.
	ID string `json:"id"`

	// Source is the archived entry.
	Source string `json:"source"`

	// ArchivePath is the container file that was written.
	ArchivePath string `json:"archive_path"`

	// Success is true when the archive listing equals the source listing.
	Success bool `json:"success"`

	// Missing lists paths expected from the source but absent from the archive.
	Missing []string `json:"missing,omitempty"`

	// Mismatched lists members whose recorded size differs from the source.
	// Only single-file entries are size-checked.
	Mismatched []string `json:"mismatched,omitempty"`

	// Snapshot is the stable size and file count that was archived.
	Snapshot Snapshot `json:"snapshot"`

	// Elapsed covers the archive and verify stages.
	Elapsed time.Duration `json:"elapsed"`

	// Error holds the failure message when a stage errored.
	Error string `json:"error,omitempty"`

	// CompletedAt is when verification finished.
	CompletedAt time.Time `json:"completed_at"`
}

// FormatSize converts a size in bytes to a human-readable string
// using binary (IEC) units.
func FormatSize(bytes int64) string {
	return humanize.IBytes(uint64(bytes))
}
