// Package watcher reports changes to session log files under a root
// directory. Only files exactly two levels below the root are reported:
// {project}/{session}.jsonl. Anything deeper is a per-session resource and
// is rejected by depth, whatever its name.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change reported.
type Op int

const (
	Modified Op = iota
	Removed
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "modified"
}

// Change is one reported file change.
type Change struct {
	Op   Op
	Path string
}

var logExtensions = map[string]bool{
	".jsonl": true,
	".log":   true,
}

const (
	defaultPollInterval = 2 * time.Second
	defaultBuffer       = 256
)

// Option configures a Detector.
type Option func(*Detector)

// WithPollInterval sets how often a missing root is checked for.
func WithPollInterval(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.pollInterval = d
		}
	}
}

// WithScanWindow limits the files reported when a missing root appears to
// those modified within d.
func WithScanWindow(d time.Duration) Option {
	return func(det *Detector) { det.scanWindow = d }
}

// Detector watches a root directory tree for session log changes.
type Detector struct {
	root         string
	pollInterval time.Duration
	scanWindow   time.Duration
	buffer       int
	events       chan Change

	mu    sync.Mutex
	fsw   *fsnotify.Watcher
	dirs  map[string]bool
	files map[string]int // explicit file watches, ref-counted
}

// New returns a detector for root. Call Start to begin watching.
func New(root string, opts ...Option) *Detector {
	d := &Detector{
		root:         filepath.Clean(root),
		pollInterval: defaultPollInterval,
		buffer:       defaultBuffer,
		dirs:         make(map[string]bool),
		files:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.events = make(chan Change, d.buffer)
	return d
}

// Root returns the watched root directory.
func (d *Detector) Root() string { return d.root }

// Events returns the change stream. It is closed when Start returns.
func (d *Detector) Events() <-chan Change { return d.events }

// Filter reports whether path is a session log: a .jsonl or .log file
// exactly two path segments below the root.
func (d *Detector) Filter(path string) bool {
	if !logExtensions[filepath.Ext(path)] {
		return false
	}
	return d.depth(path) == 2
}

// depth returns the number of path segments of path below the root, or -1
// if path is outside it.
func (d *Detector) depth(path string) int {
	rel, err := filepath.Rel(d.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return -1
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}

// Scan lists session logs modified within window of now, oldest first. A
// non-positive window lists every file. A missing root yields no files and
// no error.
func (d *Detector) Scan(window time.Duration, now time.Time) ([]string, error) {
	groups, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type found struct {
		path  string
		mtime time.Time
	}
	var files []found
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		dir := filepath.Join(d.root, g.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Debug("scan: skipping unreadable directory", "path", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if !d.Filter(path) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if window > 0 && now.Sub(info.ModTime()) > window {
				continue
			}
			files = append(files, found{path: path, mtime: info.ModTime()})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].path < files[j].path
		}
		return files[i].mtime.Before(files[j].mtime)
	})
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Start watches until ctx is done. A missing root is not an error: the
// detector logs a warning and waits for it to appear.
func (d *Detector) Start(ctx context.Context) error {
	defer close(d.events)

	waited := false
	for {
		if !d.waitForRoot(ctx, &waited) {
			return nil
		}
		if err := d.watch(ctx, waited); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("watcher stopped, retrying", "root", d.root, "error", err)
			waited = true
			continue
		}
		return nil
	}
}

func (d *Detector) waitForRoot(ctx context.Context, waited *bool) bool {
	if _, err := os.Stat(d.root); err == nil {
		return true
	}
	slog.Warn("session root does not exist, waiting for it", "root", d.root)
	*waited = true

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if _, err := os.Stat(d.root); err == nil {
				slog.Info("session root appeared", "root", d.root)
				return true
			}
		}
	}
}

// watch runs one fsnotify session. It returns nil when ctx is done and an
// error when the root went away or the watcher failed.
func (d *Detector) watch(ctx context.Context, announce bool) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(d.root); err != nil {
		return err
	}

	d.mu.Lock()
	d.fsw = fsw
	d.dirs = map[string]bool{d.root: true}
	for path := range d.files {
		if err := fsw.Add(path); err != nil {
			slog.Debug("re-adding file watch failed", "path", path, "error", err)
		}
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.fsw = nil
		d.mu.Unlock()
	}()

	groups, _ := os.ReadDir(d.root)
	for _, g := range groups {
		if g.IsDir() {
			d.addDir(filepath.Join(d.root, g.Name()))
		}
	}

	if announce {
		// Files that appeared while the root was missing.
		paths, _ := d.Scan(d.scanWindow, time.Now())
		for _, p := range paths {
			if !d.emit(ctx, Change{Op: Modified, Path: p}) {
				return nil
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if ev.Name == d.root && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				return errors.New("session root removed")
			}
			if !d.handle(ctx, ev) {
				return nil
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			// Usually a kernel queue overflow; the poll loop re-stats
			// tracked files, so nothing is lost for good.
			slog.Warn("watcher error", "error", err)
		}
	}
}

// handle translates one fsnotify event. It returns false if ctx ended while
// emitting.
func (d *Detector) handle(ctx context.Context, ev fsnotify.Event) bool {
	path := filepath.Clean(ev.Name)

	if ev.Has(fsnotify.Create) && d.depth(path) == 1 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			d.addDir(path)
			// Files may land before the watch is in place.
			entries, _ := os.ReadDir(path)
			for _, e := range entries {
				p := filepath.Join(path, e.Name())
				if !e.IsDir() && d.Filter(p) {
					if !d.emit(ctx, Change{Op: Modified, Path: p}) {
						return false
					}
				}
			}
			return true
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		d.mu.Lock()
		delete(d.dirs, path)
		d.mu.Unlock()
	}

	if !d.Filter(path) {
		return true
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return d.emit(ctx, Change{Op: Removed, Path: path})
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return d.emit(ctx, Change{Op: Modified, Path: path})
	}
	return true
}

func (d *Detector) addDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fsw == nil || d.dirs[dir] {
		return
	}
	if err := d.fsw.Add(dir); err != nil {
		slog.Warn("failed to watch project directory", "path", dir, "error", err)
		return
	}
	d.dirs[dir] = true
}

func (d *Detector) emit(ctx context.Context, c Change) bool {
	select {
	case d.events <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// WatchFile adds a direct watch on one session file, for sessions with
// dedicated viewers. Calls are ref-counted and must be paired with
// UnwatchFile.
func (d *Detector) WatchFile(path string) error {
	if !d.Filter(path) {
		return errors.New("not a session log: " + path)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path]++
	if d.files[path] == 1 && d.fsw != nil {
		if err := d.fsw.Add(path); err != nil {
			delete(d.files, path)
			return err
		}
	}
	return nil
}

// UnwatchFile releases one WatchFile reference.
func (d *Detector) UnwatchFile(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.files[path]
	if !ok {
		return
	}
	if n > 1 {
		d.files[path] = n - 1
		return
	}
	delete(d.files, path)
	if d.fsw != nil {
		// The directory watch still covers the file.
		_ = d.fsw.Remove(path)
	}
}

// WatchedFiles returns the number of explicit file watches.
func (d *Detector) WatchedFiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}
