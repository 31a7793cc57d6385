// Package filesource reads flow and template files from a directory and
// reports changes to them.
package filesource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Source is a directory of configuration files. Names are relative to the
// directory and use forward slashes.
type Source interface {
	Read(name string) ([]byte, error)
	Exists(name string) bool
	Glob(pattern string) ([]string, error)
	// OnChange registers fn to be called with the relative name of every file
	// that is written, created, removed or renamed.
	OnChange(fn func(name string))
}

// Dir is a Source backed by a local directory. Call Watch to start
// delivering change notifications.
type Dir struct {
	root string
	l    *slog.Logger

	mu          sync.RWMutex
	subscribers []func(string)
}

func NewDir(root string, l *slog.Logger) *Dir {
	return &Dir{root: filepath.Clean(root), l: l}
}

func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path '%s' escapes %s", name, d.root)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) Read(name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (d *Dir) Exists(name string) bool {
	p, err := d.path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func (d *Dir) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.root, pattern))
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(d.root, m)
		if err != nil {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

func (d *Dir) OnChange(fn func(name string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

// Notify delivers a change for name to every subscriber.
func (d *Dir) Notify(name string) {
	d.mu.RLock()
	subs := append([]func(string){}, d.subscribers...)
	d.mu.RUnlock()

	for _, fn := range subs {
		fn(name)
	}
}

// Watch starts an fsnotify watcher on the directory tree and blocks until ctx
// is done. Subdirectories present at start are watched as well.
func (d *Dir) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	err = filepath.WalkDir(d.root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.root, err)
	}

	d.l.InfoContext(ctx, "Watching configuration files", "dir", d.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			rel, err := filepath.Rel(d.root, ev.Name)
			if err != nil {
				continue
			}
			d.l.DebugContext(ctx, "Configuration file changed", "file", rel, "op", ev.Op.String())
			d.Notify(filepath.ToSlash(rel))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.l.WarnContext(ctx, "File watcher error", "dir", d.root, "error", err)
		}
	}
}
