package template

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache loads templates from a directory and keeps them parsed until
// the backing file changes on disk. Lookup is by template name; the
// name-to-path index is rebuilt whenever a name is not found, so
// templates dropped into the directory at runtime are picked up.
type Cache struct {
	mu      sync.Mutex
	dir     string
	log     *zap.Logger
	entries map[string]*cacheEntry
	paths   map[string]string
}

type cacheEntry struct {
	tmpl *Template
	// deps records every file the entry was built from (the template
	// itself plus its base) with the mtime seen at load.
	deps map[string]time.Time
}

// NewCache creates a cache over one template directory.
func NewCache(dir string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		dir:     dir,
		log:     log,
		entries: make(map[string]*cacheEntry),
		paths:   make(map[string]string),
	}
}

// Names lists every template name found in the directory, sorted.
func (c *Cache) Names() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reindex(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.paths))
	for name := range c.paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the template with the given name, loading or reloading
// it as needed. Extends is resolved here: the merged result is cached
// and invalidated when either file changes.
func (c *Cache) Get(name string) (*Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(name, nil)
}

// Invalidate drops one cached template.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
	delete(c.paths, name)
}

// InvalidateAll drops every cached template and the path index.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.paths = make(map[string]string)
}

func (c *Cache) get(name string, seen map[string]bool) (*Template, error) {
	if seen[name] {
		return nil, fmt.Errorf("template %s: extends cycle", name)
	}

	if entry, ok := c.entries[name]; ok && c.fresh(entry) {
		return entry.tmpl, nil
	}

	path, ok := c.paths[name]
	if !ok {
		if err := c.reindex(); err != nil {
			return nil, err
		}
		if path, ok = c.paths[name]; !ok {
			return nil, fmt.Errorf("template %s not found in %s", name, c.dir)
		}
	}

	tmpl, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	deps := map[string]time.Time{path: mtime(path)}

	if tmpl.Extends != "" {
		if seen == nil {
			seen = make(map[string]bool)
		}
		seen[name] = true
		base, err := c.get(tmpl.Extends, seen)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		tmpl = Merge(tmpl, base)
		if baseEntry, ok := c.entries[tmpl.Extends]; ok {
			for p, t := range baseEntry.deps {
				deps[p] = t
			}
		}
	}

	c.entries[name] = &cacheEntry{tmpl: tmpl, deps: deps}
	c.log.Debug("template loaded",
		zap.String("template", name),
		zap.String("path", path),
		zap.Int("sensors", len(tmpl.Sensors)),
		zap.Int("controls", len(tmpl.Controls)))
	return tmpl, nil
}

func (c *Cache) fresh(entry *cacheEntry) bool {
	for path, seen := range entry.deps {
		if !mtime(path).Equal(seen) {
			return false
		}
	}
	return true
}

// reindex walks the directory and rebuilds the name-to-path map.
func (c *Cache) reindex() error {
	paths := make(map[string]string)
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTemplateFile(path) {
			return nil
		}
		name := nameFromPath(path)
		if t, err := ParseFile(path); err == nil && t.Name != "" {
			name = t.Name
		}
		if prior, dup := paths[name]; dup {
			c.log.Warn("duplicate template name",
				zap.String("template", name),
				zap.String("kept", prior),
				zap.String("ignored", path))
			return nil
		}
		paths[name] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan templates: %w", err)
	}
	c.paths = paths
	return nil
}

func isTemplateFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func mtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
