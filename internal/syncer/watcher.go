package syncer

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
)

const watchDebounce = 500 * time.Millisecond

// watcher triggers a sync cycle when a config file in dir changes
type watcher struct {
	fs       *fsnotify.Watcher
	onChange func()
	names    map[string]bool

	mu       sync.Mutex
	debounce *time.Timer
}

func newWatcher(dir string, onChange func()) (*watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, err
	}

	names := make(map[string]bool)
	for _, kind := range artifact.AllKinds() {
		names[kind.Name()] = true
	}

	return &watcher{
		fs:       fs,
		onChange: onChange,
		names:    names,
	}, nil
}

func (w *watcher) run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	// temp files of atomic saves start with a dot and never match a kind
	if !w.names[filepath.Base(event.Name)] {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounce, func() {
		log.Debug().Str("file", event.Name).Msg("config file changed")
		w.onChange()
	})
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	if err := w.fs.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close config watcher")
	}
}
