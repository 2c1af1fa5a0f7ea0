package tui

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StateWatcher signals when a coordinator state file in a directory changes.
// Bursts of events are coalesced into one pending signal.
type StateWatcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewStateWatcher watches dir, creating it when missing.
func NewStateWatcher(dir string) (*StateWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	sw := &StateWatcher{
		watcher: watcher,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sw.run()
	return sw, nil
}

// Changes delivers a value after one or more state files changed.
func (sw *StateWatcher) Changes() <-chan struct{} {
	return sw.changes
}

// Close stops watching.
func (sw *StateWatcher) Close() error {
	var err error
	sw.once.Do(func() {
		close(sw.done)
		err = sw.watcher.Close()
	})
	return err
}

func (sw *StateWatcher) run() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			// Temp files are renamed over the real file; the rename is what counts.
			if filepath.Ext(event.Name) != ".json" || strings.HasSuffix(event.Name, ".tmp") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case sw.changes <- struct{}{}:
			default:
			}
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			// Ignore errors, the poll interval still refreshes the view
		}
	}
}
