package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// Input carries the per-run context handed to an agent.
type Input struct {
	Project  *domain.Project
	Schedule *domain.Schedule // nil when the run was not started by a schedule
	Trigger  domain.TriggerSource
}

// Agent is one autonomous unit that analyzes a project and may act on it.
type Agent interface {
	// ID is the stable identifier schedules refer to.
	ID() string

	// Describe returns a short human-readable purpose line.
	Describe() string

	// Execute runs the agent once. A result reports what the agent
	// decided and did; an error means the execution itself broke.
	Execute(ctx context.Context, in Input) (*domain.AgentResult, error)
}

// Registry holds the agents known to the orchestrator.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Registering an ID twice is an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("agent %q already registered", a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all registered agents sorted by ID.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
