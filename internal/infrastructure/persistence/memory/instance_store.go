package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/workflow"
)

type subjectKey struct {
	subjectRef string
	definition string
}

// InstanceStore is an in-process port.InstanceStore. Every read returns a copy,
// so callers can never mutate stored state.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance
	active    map[subjectKey]string
	order     []string
}

// NewInstanceStore creates an empty store
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		instances: make(map[string]*workflow.Instance),
		active:    make(map[subjectKey]string),
	}
}

// Create stores a new instance at version 1
func (s *InstanceStore) Create(ctx context.Context, inst *workflow.Instance) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", workflow.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := subjectKey{inst.SubjectRef, inst.Definition.Name}
	if inst.IsActive() {
		if _, exists := s.active[key]; exists {
			return fmt.Errorf("%w: %s already has an active %s instance",
				workflow.ErrDuplicateSubmission, inst.SubjectRef, inst.Definition.Name)
		}
	}
	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("%w: instance %s already exists", workflow.ErrStorage, inst.ID)
	}

	inst.Version = 1
	s.instances[inst.ID] = inst.Clone()
	s.order = append(s.order, inst.ID)
	if inst.IsActive() {
		s.active[key] = inst.ID
	}
	return nil
}

// Save replaces the stored instance when its version equals expectedVersion
func (s *InstanceStore) Save(ctx context.Context, inst *workflow.Instance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", workflow.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("%w: instance %s", workflow.ErrNotFound, inst.ID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: instance %s is at version %d, expected %d",
			workflow.ErrStaleState, inst.ID, stored.Version, expectedVersion)
	}
	if len(inst.History) < len(stored.History) {
		return fmt.Errorf("%w: history of %s cannot shrink", workflow.ErrStorage, inst.ID)
	}

	inst.Version = expectedVersion + 1
	s.instances[inst.ID] = inst.Clone()

	key := subjectKey{inst.SubjectRef, inst.Definition.Name}
	if !inst.IsActive() && s.active[key] == inst.ID {
		delete(s.active, key)
	}
	return nil
}

// Load returns a copy of the stored instance
func (s *InstanceStore) Load(ctx context.Context, id string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", workflow.ErrNotFound, id)
	}
	return stored.Clone(), nil
}

// FindActive returns the non-terminal instance for a subject, or nil
func (s *InstanceStore) FindActive(ctx context.Context, subjectRef, definition string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[subjectKey{subjectRef, definition}]
	if !ok {
		return nil, nil
	}
	return s.instances[id].Clone(), nil
}

// List returns matching instances, newest first
func (s *InstanceStore) List(ctx context.Context, filter port.InstanceFilter) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*workflow.Instance
	for i := len(s.order) - 1; i >= 0; i-- {
		inst := s.instances[s.order[i]]
		if filter.Definition != "" && inst.Definition.Name != filter.Definition {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.SubjectRef != "" && inst.SubjectRef != filter.SubjectRef {
			continue
		}
		matched = append(matched, inst)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	result := make([]*workflow.Instance, len(matched))
	for i, inst := range matched {
		result[i] = inst.Clone()
	}
	return result, nil
}

// HistoryPage returns up to limit entries after afterSeq
func (s *InstanceStore) HistoryPage(ctx context.Context, id string, afterSeq, limit int) ([]workflow.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", workflow.ErrNotFound, id)
	}

	page := []workflow.HistoryEntry{}
	for _, entry := range stored.History {
		if entry.Seq <= afterSeq {
			continue
		}
		page = append(page, entry)
		if limit > 0 && len(page) == limit {
			break
		}
	}
	return page, nil
}

// Verify interface compliance
var _ port.InstanceStore = (*InstanceStore)(nil)
