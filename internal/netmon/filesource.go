package netmon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSource bridges a platform network-state file into the monitor.
//
// Field devices typically expose link state through a dispatcher hook
// (NetworkManager, ConnMan) that rewrites a small JSON file on every
// transition:
//
//	{"reachable": true, "kind": "wifi"}
//
// FileSource watches that file with fsnotify and emits a State for every
// rewrite. The initial file content, if present, is emitted on Start so
// the monitor leaves Unknown immediately.
type FileSource struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan State
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSource creates a file-backed source for the given state file.
// The source must be started with Start() before it emits events.
func NewFileSource(path string) (*FileSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileSource{
		path:    path,
		watcher: watcher,
		events:  make(chan State, 8),
		done:    make(chan struct{}),
	}, nil
}

// Events implements Source.
func (fs *FileSource) Events() <-chan State {
	return fs.events
}

// Start begins watching the state file's directory. Watching the directory
// rather than the file survives the write-then-rename pattern dispatcher
// scripts use.
func (fs *FileSource) Start() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("file source already running")
	}

	dir := filepath.Dir(fs.path)
	if err := fs.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch state directory %s: %w", dir, err)
	}

	// Replay current state if the file already exists.
	if s, err := readStateFile(fs.path); err == nil {
		fs.events <- s
	}

	fs.running = true
	fs.wg.Add(1)
	go fs.processEvents()

	return nil
}

// Stop stops watching and closes the event channel.
func (fs *FileSource) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)

	if err := fs.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fs.wg.Wait()
	close(fs.events)
	return nil
}

func (fs *FileSource) processEvents() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fs.path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			s, err := readStateFile(fs.path)
			if err != nil {
				continue
			}

			select {
			case fs.events <- s:
			case <-fs.done:
				return
			}

		case _, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func readStateFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if s.Kind == "" {
		s.Kind = KindUnknown
	}
	return s, nil
}
