// Package watch triggers plugin reloads from file system changes.
package watch

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ZenLiuCN/dynhost"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher fires its action once a burst of writes to module files in a directory settles.
type Watcher struct {
	dir        string
	extensions []string
	fs         *fsnotify.Watcher
	debounce   *Debouncer
	action     func(gen uint64)
	log        *zap.Logger
	done       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// New watches dir for writes to files with one of the extensions, none means the module extensions.
func New(dir string, delay time.Duration, extensions []string, action func(gen uint64), log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = dynhost.Logger()
	}
	if len(extensions) == 0 {
		extensions = dynhost.ModuleExtensions()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err = fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		dir:        dir,
		extensions: extensions,
		fs:         fw,
		debounce:   NewDebouncer(delay),
		action:     action,
		log:        log.With(zap.String("watch", dir)),
		done:       make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) Dir() string { return w.dir }

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.Match(ev) {
				w.log.Debug("change", zap.String("file", ev.Name))
				w.debounce.Execute(w.action)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// Match reports whether the event is a write to a watched file.
func (w *Watcher) Match(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) {
		return false
	}
	return slices.Contains(w.extensions, strings.ToLower(filepath.Ext(ev.Name)))
}

// Close stops watching and cancels a pending firing. It is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		w.debounce.Close()
	})
	return err
}
