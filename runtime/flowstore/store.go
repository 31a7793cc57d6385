// Package flowstore loads flow definitions from a file source, validates them
// and keeps the valid ones in memory until they expire or their file changes.
package flowstore

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/filesource"
	"github.com/BDNK1/flowgate/runtime/validate"
)

const filePrefix = "flow-"

var extensions = []string{".json", ".yaml", ".yml"}

type entry struct {
	flow     *runtime.FlowConfig
	loadedAt time.Time
}

type Store struct {
	files filesource.Source
	ttl   time.Duration
	l     *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// New returns a store reading flow-<name>.{json,yaml,yml} from files. Cached
// flows live for ttl; a ttl of zero disables caching.
func New(files filesource.Source, ttl time.Duration, l *slog.Logger) *Store {
	s := &Store{
		files:   files,
		ttl:     ttl,
		l:       l,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	files.OnChange(s.fileChanged)
	return s
}

// FileName returns the flow name stored in a file name, or "" when the
// file is not a flow definition.
func FileName(file string) string {
	base := path.Base(file)
	if !strings.HasPrefix(base, filePrefix) {
		return ""
	}
	for _, ext := range extensions {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), ext)
		}
	}
	return ""
}

func (s *Store) fileChanged(file string) {
	if name := FileName(file); name != "" {
		s.l.Info("Flow file changed, invalidating cache", "flow", name, "file", file)
		s.Invalidate(name)
	}
}

// Load returns the validated flow called name. A missing, unparseable or
// invalid definition yields a not_found FlowError.
func (s *Store) Load(ctx context.Context, name string) (*runtime.FlowConfig, error) {
	key := strings.ToLower(name)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && s.now().Sub(e.loadedAt) < s.ttl {
		s.l.DebugContext(ctx, "Flow configuration cache hit", "flow", name)
		return e.flow, nil
	}

	flow, err := s.read(ctx, name)
	if err != nil {
		return nil, runtime.NotFoundError(name, err)
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.entries[key] = entry{flow: flow, loadedAt: s.now()}
		s.mu.Unlock()
	}
	return flow, nil
}

func (s *Store) read(ctx context.Context, name string) (*runtime.FlowConfig, error) {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid flow name '%s'", name)
	}

	file := ""
	for _, ext := range extensions {
		candidate := filePrefix + name + ext
		if s.files.Exists(candidate) {
			file = candidate
			break
		}
	}
	if file == "" {
		s.l.WarnContext(ctx, "Flow configuration file not found", "flow", name)
		return nil, fmt.Errorf("no flow file for '%s'", name)
	}

	data, err := s.files.Read(file)
	if err != nil {
		s.l.ErrorContext(ctx, "Error reading flow configuration", "flow", name, "file", file, "error", err)
		return nil, fmt.Errorf("error reading %s: %w", file, err)
	}

	flow, err := runtime.DecodeFlow(data)
	if err != nil {
		s.l.ErrorContext(ctx, "Error parsing flow configuration", "flow", name, "file", file, "error", err)
		return nil, fmt.Errorf("error parsing %s: %w", file, err)
	}

	if errs := validate.Flow(flow); len(errs) > 0 {
		s.l.ErrorContext(ctx, "Flow configuration validation failed", "flow", name, "errors", errs)
		return nil, fmt.Errorf("invalid flow '%s': %s", name, strings.Join(errs, "; "))
	}

	s.l.InfoContext(ctx, "Flow configuration loaded", "flow", flow.Name, "version", flow.Version, "datasets", len(flow.Datasets))
	return flow, nil
}

// Validate reads and validates a flow without touching the cache.
func (s *Store) Validate(ctx context.Context, name string) error {
	_, err := s.read(ctx, name)
	return err
}

// List returns the names of every flow file in the source, sorted.
func (s *Store) List() ([]string, error) {
	seen := make(map[string]bool)
	for _, ext := range extensions {
		files, err := s.files.Glob(filePrefix + "*" + ext)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if name := FileName(f); name != "" {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	delete(s.entries, strings.ToLower(name))
	s.mu.Unlock()
}

// InvalidateAll drops every cached flow.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}
