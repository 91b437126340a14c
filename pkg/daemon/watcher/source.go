// Package watcher enumerates the immediate children of the watch root and
// optionally signals when that directory changes.
package watcher

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Source enumerates candidate entries for the watch loop.
type Source interface {
	// Children returns the absolute paths of the root's immediate children
	// in lexical order.
	Children(ctx context.Context) ([]string, error)

	// Changes delivers a value when the root has probably changed. A nil
	// channel means the source is poll-only.
	Changes() <-chan struct{}

	Close() error
}

// PollSource reads the root directory on demand.
type PollSource struct {
	root string
}

// NewPollSource returns a poll-only source for root.
func NewPollSource(root string) *PollSource {
	return &PollSource{root: root}
}

// Root returns the watched directory.
func (p *PollSource) Root() string {
	return p.root
}

// Children implements Source.
func (p *PollSource) Children(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, &types.FilesystemError{Path: p.root, Err: err}
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(p.root, e.Name()))
	}
	return paths, nil
}

// Changes implements Source. Polling has no change signal.
func (p *PollSource) Changes() <-chan struct{} {
	return nil
}

// Close implements Source.
func (p *PollSource) Close() error {
	return nil
}
