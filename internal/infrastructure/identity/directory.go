// Package identity resolves bearer tokens to role-scoped actors.
package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/garyjia/campus-approvals/internal/domain/identity"
)

// DirectoryEntry is one user record of the static directory file
type DirectoryEntry struct {
	Token string         `yaml:"token"`
	ID    string         `yaml:"id"`
	Role  identity.Role  `yaml:"role"`
	Scope identity.Scope `yaml:"scope"`
}

type directoryFile struct {
	Users []DirectoryEntry `yaml:"users"`
}

// DirectoryProvider is a RoleProvider backed by a fixed token table
type DirectoryProvider struct {
	mu     sync.RWMutex
	actors map[string]identity.Actor
}

// NewDirectoryProvider builds a provider from entries.
// Tokens must be unique and every entry needs an id and role.
func NewDirectoryProvider(entries []DirectoryEntry) (*DirectoryProvider, error) {
	actors := make(map[string]identity.Actor, len(entries))
	for i, e := range entries {
		token := strings.TrimSpace(e.Token)
		if token == "" || e.ID == "" || e.Role == "" {
			return nil, fmt.Errorf("directory entry %d: token, id and role are required", i)
		}
		if _, dup := actors[token]; dup {
			return nil, fmt.Errorf("directory entry %d (%s): duplicate token", i, e.ID)
		}
		actors[token] = identity.Actor{ID: e.ID, Role: e.Role, Scope: e.Scope}
	}
	return &DirectoryProvider{actors: actors}, nil
}

// LoadDirectoryFile reads a YAML directory of the form `users: [{token, id, role, scope}]`
func LoadDirectoryFile(path string) (*DirectoryProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}

	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse directory file %s: %w", path, err)
	}
	return NewDirectoryProvider(file.Users)
}

// Resolve returns the actor registered for token
func (p *DirectoryProvider) Resolve(ctx context.Context, token string) (identity.Actor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	actor, ok := p.actors[strings.TrimSpace(token)]
	if !ok {
		return identity.Actor{}, identity.ErrUnauthenticated
	}
	return actor, nil
}

// Len returns the number of registered tokens
func (p *DirectoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.actors)
}
