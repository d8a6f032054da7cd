package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/garyjia/campus-approvals/internal/domain/identity"
)

// Stage is one sign-off step in an approval chain
type Stage struct {
	Name     string        `json:"name" yaml:"name"`
	Role     identity.Role `json:"role" yaml:"role"`
	Terminal bool          `json:"terminal" yaml:"terminal"`
}

// DefinitionRef identifies a definition version bound to an instance
type DefinitionRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Definition is an ordered, immutable sequence of stages.
// OriginatorRole, when set, restricts who may submit subjects into the chain.
type Definition struct {
	Name           string        `json:"name" yaml:"name"`
	Version        int           `json:"version" yaml:"version"`
	Description    string        `json:"description,omitempty" yaml:"description"`
	OriginatorRole identity.Role `json:"originator_role,omitempty" yaml:"originator_role"`
	Stages         []Stage       `json:"stages" yaml:"stages"`
}

// NewDefinition validates and normalizes a definition. The last stage is always terminal.
func NewDefinition(name string, version int, originator identity.Role, stages ...Stage) (*Definition, error) {
	def := &Definition{
		Name:           name,
		Version:        version,
		OriginatorRole: originator,
		Stages:         append([]Stage(nil), stages...),
	}
	if err := def.normalize(); err != nil {
		return nil, err
	}
	return def, nil
}

// MustDefinition is NewDefinition for package-level built-ins
func MustDefinition(name string, version int, originator identity.Role, stages ...Stage) *Definition {
	def, err := NewDefinition(name, version, originator, stages...)
	if err != nil {
		panic(err)
	}
	return def
}

func (d *Definition) normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.Version <= 0 {
		d.Version = 1
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidDefinition, d.Name)
	}

	seen := make(map[string]bool, len(d.Stages))
	last := len(d.Stages) - 1
	for i := range d.Stages {
		s := &d.Stages[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return fmt.Errorf("%w: %s stage %d has no name", ErrInvalidDefinition, d.Name, i)
		}
		if s.Role == "" {
			return fmt.Errorf("%w: %s stage %q has no role", ErrInvalidDefinition, d.Name, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s has duplicate stage %q", ErrInvalidDefinition, d.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Terminal && i != last {
			return fmt.Errorf("%w: %s stage %q is terminal but not last", ErrInvalidDefinition, d.Name, s.Name)
		}
	}
	d.Stages[last].Terminal = true

	return nil
}

// Ref returns the name/version reference for this definition
func (d *Definition) Ref() DefinitionRef {
	return DefinitionRef{Name: d.Name, Version: d.Version}
}

// Stage returns the stage at index i
func (d *Definition) Stage(i int) (Stage, bool) {
	if i < 0 || i >= len(d.Stages) {
		return Stage{}, false
	}
	return d.Stages[i], true
}

// IsFinal reports whether i is the publishing stage
func (d *Definition) IsFinal(i int) bool {
	return i == len(d.Stages)-1
}

// Len returns the number of sign-off stages
func (d *Definition) Len() int {
	return len(d.Stages)
}

// sameChain reports whether o has the same originator and stage sequence
func (d *Definition) sameChain(o *Definition) bool {
	return d.OriginatorRole == o.OriginatorRole && slices.Equal(d.Stages, o.Stages)
}
