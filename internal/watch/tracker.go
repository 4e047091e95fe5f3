// Package watch records which files under a working tree are being written.
package watch

import (
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tracker watches a directory tree and remembers the last write time of each file.
type Tracker struct {
	root    string
	fs      *fsnotify.Watcher
	logger  *log.Logger
	now     func() time.Time
	skipDir func(rel string) bool

	mu     sync.RWMutex
	writes map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New watches root and every directory below it, except those for which
// skipDir returns true.
func New(root string, skipDir func(rel string) bool, logger *log.Logger) (*Tracker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if skipDir == nil {
		skipDir = func(string) bool { return false }
	}
	t := &Tracker{
		root:    abs,
		fs:      w,
		logger:  logger,
		now:     time.Now,
		skipDir: skipDir,
		writes:  make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	if err := t.addTree(abs); err != nil {
		_ = w.Close()
		return nil, err
	}
	t.wg.Add(1)
	go t.loop()
	return t, nil
}

func (t *Tracker) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(t.root, path); rel != "." && t.skipDir(rel) {
			return filepath.SkipDir
		}
		if err := t.fs.Add(path); err != nil {
			if path == t.root {
				return err
			}
			t.logger.Printf("watch %s: %v", path, err)
		}
		return nil
	})
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.fs.Events:
			if !ok {
				return
			}
			t.handle(ev)
		case err, ok := <-t.fs.Errors:
			if !ok {
				return
			}
			t.logger.Printf("watch error: %v", err)
		}
	}
}

func (t *Tracker) handle(ev fsnotify.Event) {
	// Rename covers write-to-temp-then-rename saves.
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			_ = t.addTree(ev.Name)
		}
		return
	}
	rel, err := filepath.Rel(t.root, ev.Name)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.writes[rel] = t.now()
	t.mu.Unlock()
}

// Recent returns files written after since, relative to the root, sorted.
func (t *Tracker) Recent(since time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for p, at := range t.writes {
		if at.After(since) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Prune forgets writes older than cutoff and returns how many were dropped.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for p, at := range t.writes {
		if at.Before(cutoff) {
			delete(t.writes, p)
			n++
		}
	}
	return n
}

// Close stops watching.
func (t *Tracker) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	err := t.fs.Close()
	t.wg.Wait()
	return err
}
