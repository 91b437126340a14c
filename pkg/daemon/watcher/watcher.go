package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

// DefaultDebounce coalesces bursts of events, such as a copy creating many
// files, into one change signal.
const DefaultDebounce = 500 * time.Millisecond

// EventOption configures an EventSource.
type EventOption func(*EventSource)

// WithDebounce sets the quiet period after the last event before a change
// is signalled.
func WithDebounce(d time.Duration) EventOption {
	return func(s *EventSource) {
		s.debounce = d
	}
}

// EventSource lists children like PollSource and additionally signals on
// fsnotify events for the root directory. Only the root is watched: writes
// deeper in a tree are picked up by stability checks, not by events.
type EventSource struct {
	*PollSource

	watcher  *fsnotify.Watcher
	debounce time.Duration
	changes  chan struct{}

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEventSource starts watching root.
func NewEventSource(root string, opts ...EventOption) (*EventSource, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	s := &EventSource{
		PollSource: NewPollSource(root),
		watcher:    fsw,
		debounce:   DefaultDebounce,
		changes:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Changes implements Source. The channel is closed by Close.
func (s *EventSource) Changes() <-chan struct{} {
	return s.changes
}

func (s *EventSource) run() {
	defer s.wg.Done()
	defer close(s.changes)

	log := logging.Get("watcher")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			log.Debug("event", "path", event.Name, "op", event.Op.String())

			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case s.changes <- struct{}{}:
			default:
				// A signal is already pending.
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Error("watcher error", "error", err)
		}
	}
}

// Close stops watching and closes the Changes channel.
func (s *EventSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}
