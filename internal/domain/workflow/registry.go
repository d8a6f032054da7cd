package workflow

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds the workflow definitions known to the engine, keyed by name.
// Superseded versions are kept so instances stay bound to the chain they were submitted under.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	versions    map[DefinitionRef]*Definition
}

// NewRegistry creates a registry seeded with the given definitions
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{
		definitions: make(map[string]*Definition),
		versions:    make(map[DefinitionRef]*Definition),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a definition, replacing an older version of the same name.
// A registered (name, version) is immutable: registering it again is a no-op when the
// chain is identical and an error otherwise.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.normalize(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.versions[def.Ref()]; ok {
		if !bound.sameChain(def) {
			return fmt.Errorf("%w: %s version %d is already registered with a different chain",
				ErrInvalidDefinition, def.Name, def.Version)
		}
		return nil
	}
	if existing, ok := r.definitions[def.Name]; ok && existing.Version > def.Version {
		return fmt.Errorf("%w: %s version %d is older than registered version %d",
			ErrInvalidDefinition, def.Name, def.Version, existing.Version)
	}
	r.definitions[def.Name] = def
	r.versions[def.Ref()] = def
	return nil
}

// Resolve returns the exact definition version an instance is bound to
func (r *Registry) Resolve(ref DefinitionRef) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.versions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: workflow definition %s v%d", ErrNotFound, ref.Name, ref.Version)
	}
	return def, nil
}

// Get returns the definition registered under name
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: workflow definition %q", ErrNotFound, name)
	}
	return def, nil
}

// List returns all definitions sorted by name
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

type definitionsFile struct {
	Workflows []*Definition `yaml:"workflows"`
}

// ParseDefinitions decodes a YAML document of the form `workflows: [...]`
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	for i, def := range file.Workflows {
		if def == nil {
			return nil, fmt.Errorf("%w: workflows entry %d is empty", ErrInvalidDefinition, i)
		}
		if err := def.normalize(); err != nil {
			return nil, err
		}
	}
	return file.Workflows, nil
}

// LoadDefinitionsFile reads definitions from a YAML file and registers them
func (r *Registry) LoadDefinitionsFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read definitions file: %w", err)
	}

	defs, err := ParseDefinitions(data)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}
