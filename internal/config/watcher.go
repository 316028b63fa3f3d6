package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ToolWatcher watches the tool discovery root and notifies subscribers when
// binaries appear or disappear, so running engines pick up newly installed
// tools without a restart.
type ToolWatcher struct {
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	subs     []func(path string)
	stopOnce sync.Once
	done     chan struct{}
}

// NewToolWatcher starts watching the given directory. The caller owns the
// returned watcher and must Stop it.
func NewToolWatcher(root string) (*ToolWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, err
	}

	tw := &ToolWatcher{
		watcher: w,
		done:    make(chan struct{}),
	}
	go tw.loop()

	log.Info().Str("root", root).Msg("Watching tool discovery root")
	return tw, nil
}

// Subscribe registers a callback invoked with the changed path.
func (tw *ToolWatcher) Subscribe(fn func(path string)) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.subs = append(tw.subs, fn)
}

// Stop closes the watcher.
func (tw *ToolWatcher) Stop() {
	tw.stopOnce.Do(func() {
		close(tw.done)
		tw.watcher.Close()
	})
}

func (tw *ToolWatcher) loop() {
	for {
		select {
		case <-tw.done:
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Tool root changed")
			tw.mu.Lock()
			subs := append(([]func(string))(nil), tw.subs...)
			tw.mu.Unlock()
			for _, fn := range subs {
				fn(filepath.Clean(event.Name))
			}
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Tool watcher error")
		}
	}
}
