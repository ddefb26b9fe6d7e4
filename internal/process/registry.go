package process

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefinitionRegistry holds the deployed process definitions and can
// hot-reload them from a watched directory.
type DefinitionRegistry struct {
	mu   sync.RWMutex
	defs map[string]Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		defs: make(map[string]Definition),
		done: make(chan struct{}),
	}
}

// Deploy validates and stores a definition. A later deploy under the
// same name replaces the earlier one; running instances keep the
// definition they started with.
func (r *DefinitionRegistry) Deploy(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
	return nil
}

// Get returns a deployed definition by name.
func (r *DefinitionRegistry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, exists := r.defs[name]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return def, nil
}

// Names returns the deployed definition names.
func (r *DefinitionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// LoadDir deploys every .yaml/.yml definition in a directory. A file
// that fails to parse is logged and skipped so one bad definition
// cannot block the rest.
func (r *DefinitionRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadDefinitionFile(path)
		if err != nil {
			log.Printf("[process] skipping definition %s: %v", entry.Name(), err)
			continue
		}
		if err := r.Deploy(def); err != nil {
			log.Printf("[process] skipping definition %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// WatchDir loads a directory and redeploys definitions as their files
// change. If the watcher cannot start, the initial load still stands.
func (r *DefinitionRegistry) WatchDir(dir string) error {
	if err := r.LoadDir(dir); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without hot reload.
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil
	}
	r.watcher = watcher
	go r.watchDefinitions()
	return nil
}

// watchDefinitions redeploys definitions on create/write events.
func (r *DefinitionRegistry) watchDefinitions() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Write == 0 {
				continue
			}
			def, err := LoadDefinitionFile(event.Name)
			if err != nil {
				log.Printf("[process] reload %s: %v", filepath.Base(event.Name), err)
				continue
			}
			if err := r.Deploy(def); err != nil {
				log.Printf("[process] reload %s: %v", filepath.Base(event.Name), err)
				continue
			}
			log.Printf("[process] redeployed definition %s", def.Name)
		case <-r.watcher.Errors:
			// Ignore errors, keep watching.
		}
	}
}

// Close stops the directory watcher if one is running.
func (r *DefinitionRegistry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func isDefinitionFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
