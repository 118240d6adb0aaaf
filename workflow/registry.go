package workflow

import (
	"sync"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
)

// Registry maps workflow names and IDs to their definitions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Workflow
	byID   map[string]*Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Workflow),
		byID:   make(map[string]*Workflow),
	}
}

// Register adds a workflow. Steps without IDs are assigned fresh ones.
// Re-registering a name fails with notify.ErrDuplicateWorkflow.
func (r *Registry) Register(w *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[w.Name]; exists {
		return notify.ErrDuplicateWorkflow
	}

	if w.ID.IsNil() {
		w.ID = id.NewWorkflowID()
	}
	for i := range w.Steps {
		if w.Steps[i].ID.IsNil() {
			w.Steps[i].ID = id.NewStepID()
		}
	}

	r.byName[w.Name] = w
	r.byID[w.ID.String()] = w
	return nil
}

// GetByName returns the workflow registered under name.
func (r *Registry) GetByName(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byName[name]
	return w, ok
}

// GetByID returns the workflow with the given ID.
func (r *Registry) GetByID(workflowID id.WorkflowID) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[workflowID.String()]
	return w, ok
}

// Names returns all registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
