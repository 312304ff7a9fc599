package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry manages the available strategy definitions
type Registry struct {
	logger      *zap.Logger
	definitions map[string]*Definition
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger,
		definitions: make(map[string]*Definition),
	}
}

// Register adds a validated definition, replacing one with the same name
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Name]; exists {
		r.logger.Warn("Replacing strategy definition", zap.String("strategy", def.Name))
	}
	r.definitions[def.Name] = def
	return nil
}

// LoadDir registers every .yaml/.yml file in dir and returns how many loaded.
// A broken file fails the whole load so a typo never silently drops a strategy.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read strategy directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.Register(def); err != nil {
			return loaded, err
		}
		loaded++

		r.logger.Debug("Loaded strategy",
			zap.String("strategy", def.Name),
			zap.String("file", entry.Name()),
		)
	}

	r.logger.Info("Strategy definitions loaded", zap.String("dir", dir), zap.Int("count", loaded))
	return loaded, nil
}

// Get returns a definition by name
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[name]
	return def, ok
}

// List returns all registered strategy names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
