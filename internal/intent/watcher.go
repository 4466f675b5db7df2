package intent

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a router's rule set when its rules file changes on disk.
// Reload failures keep the previous rule set active.
type Watcher struct {
	router  *Router
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchRules loads the rules file into the router and starts watching it for
// changes. The parent directory is watched so editors that replace the file
// (rename + create) still trigger a reload.
func WatchRules(router *Router, path string) (*Watcher, error) {
	if err := router.LoadRulesFile(path); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		router:  router,
		path:    path,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()

	return w, nil
}

// loop processes filesystem events until Close is called.
func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.router.LoadRulesFile(w.path); err != nil {
				log.Printf("[intent] rules reload failed, keeping previous set: %v", err)
				continue
			}
			log.Printf("[intent] reloaded %d rules from %s", w.router.RuleCount(), w.path)
		case <-w.watcher.Errors:
			// Ignore errors, keep watching.
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}
