package types

import (
	"errors"
	"fmt"
)

// ErrEntryVanished is returned when a watched entry disappears before it
// could be archived. It is terminal for that attempt.
var ErrEntryVanished = errors.New("entry disappeared")

// ErrInsufficientSpace is returned when the destination cannot hold the archive.
var ErrInsufficientSpace = errors.New("insufficient space at destination")

// FilesystemError reports a path that could not be read or has vanished.
type FilesystemError struct {
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error at %s: %v", e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// ArchiveCreationError reports a failure while writing an archive.
// The partial output has already been removed when this is returned.
type ArchiveCreationError struct {
	Source string
	Target string
	Err    error
}

func (e *ArchiveCreationError) Error() string {
	return fmt.Sprintf("creating archive %s from %s: %v", e.Target, e.Source, e.Err)
}

func (e *ArchiveCreationError) Unwrap() error { return e.Err }

// VerificationError reports an archive that could not be opened or read back.
type VerificationError struct {
	Archive string
	Err     error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verifying archive %s: %v", e.Archive, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid startup configuration. It is fatal.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
