// Package limits resolves per-model context limits from a models.yaml
// catalog. The catalog hot-reloads when the file changes on disk.
package limits

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ContextLimits bounds one model invocation. Immutable for the duration of a
// compaction attempt.
type ContextLimits struct {
	ContextWindow int `yaml:"contextWindow" json:"context_window"`
	MaxOutput     int `yaml:"maxOutput" json:"max_output"`
}

// Default limits used when a model is not in the catalog. Conservative
// values for current frontier models.
var Default = ContextLimits{
	ContextWindow: 200000,
	MaxOutput:     8192,
}

// Resolver supplies context limits per model and provider.
type Resolver interface {
	Resolve(modelID, provider string) ContextLimits
}

// ModelEntry is one model record in the catalog file.
type ModelEntry struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"displayName,omitempty"`
	ContextWindow int    `yaml:"contextWindow"`
	MaxOutput     int    `yaml:"maxOutput,omitempty"`
}

type catalogFile struct {
	Version   string                  `yaml:"version,omitempty"`
	Providers map[string][]ModelEntry `yaml:"providers"`
}

// Catalog resolves limits from a models.yaml file.
type Catalog struct {
	mu        sync.RWMutex
	path      string
	providers map[string][]ModelEntry
	watcher   *fsnotify.Watcher
}

// NewCatalog loads the catalog at path. A missing file is not an error; the
// catalog simply resolves everything to Default until the file appears.
func NewCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path, providers: map[string][]ModelEntry{}}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read model catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse model catalog: %w", err)
	}
	c.mu.Lock()
	c.providers = file.Providers
	if c.providers == nil {
		c.providers = map[string][]ModelEntry{}
	}
	c.mu.Unlock()
	return nil
}

// Watch reloads the catalog whenever the file is written. Parse errors keep
// the previous catalog.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return err
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != c.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					_ = c.reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one was started.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Resolve returns the limits for modelID under provider, falling back to a
// scan of all providers and finally to Default.
func (c *Catalog) Resolve(modelID, provider string) ContextLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if entries, ok := c.providers[provider]; ok {
		if lims, found := lookup(entries, modelID); found {
			return lims
		}
	}
	for name, entries := range c.providers {
		if name == provider {
			continue
		}
		if lims, found := lookup(entries, modelID); found {
			return lims
		}
	}
	return Default
}

func lookup(entries []ModelEntry, modelID string) (ContextLimits, bool) {
	for _, e := range entries {
		if e.ID != modelID {
			continue
		}
		lims := ContextLimits{ContextWindow: e.ContextWindow, MaxOutput: e.MaxOutput}
		if lims.ContextWindow <= 0 {
			lims.ContextWindow = Default.ContextWindow
		}
		if lims.MaxOutput <= 0 {
			lims.MaxOutput = Default.MaxOutput
		}
		return lims, true
	}
	return ContextLimits{}, false
}

// Static is a fixed-limit resolver, mainly for tests and embedders that know
// their model's limits up front.
type Static struct {
	Limits ContextLimits
}

func (s Static) Resolve(modelID, provider string) ContextLimits {
	return s.Limits
}
