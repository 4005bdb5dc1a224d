package agents

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/pkg/models"
)

// Registry maps agent ids to handles and, when capability caching is
// enabled, capability names to the agents advertising them. Iteration
// order is registration order.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Agent
	order        []string
	capIndex     map[string][]string
	cacheEnabled bool
}

// NewRegistry creates a registry. With caching enabled, delegation
// candidate sets come from the capability index instead of a full scan.
func NewRegistry(capabilityCache bool) *Registry {
	return &Registry{
		agents:       make(map[string]Agent),
		capIndex:     make(map[string][]string),
		cacheEnabled: capabilityCache,
	}
}

// Register inserts the agent and indexes its declared capabilities.
// Re-registering an id replaces the handle in place, keeping its
// original position.
func (r *Registry) Register(agent Agent) {
	id := agent.Metadata().ID

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		r.purgeFromIndex(id)
	} else {
		r.order = append(r.order, id)
	}
	r.agents[id] = agent

	if r.cacheEnabled {
		for _, cap := range agent.Capabilities() {
			r.capIndex[cap.Name] = append(r.capIndex[cap.Name], id)
		}
	}
	log.Debug().Str("agent", id).Int("capabilities", len(agent.Capabilities())).Msg("Agent registered")
}

// Unregister removes the handle and purges it from capability lists.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.purgeFromIndex(id)
	log.Debug().Str("agent", id).Msg("Agent unregistered")
	return true
}

func (r *Registry) purgeFromIndex(id string) {
	for name, ids := range r.capIndex {
		for i, existing := range ids {
			if existing == id {
				r.capIndex[name] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(r.capIndex[name]) == 0 {
			delete(r.capIndex, name)
		}
	}
}

// Get returns the agent for id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	return agent, ok
}

// List returns all agent ids in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len reports how many agents are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Candidates returns, in registration order, the agents eligible for a
// delegation. With caching on, the set is the union of agents
// advertising any required capability; otherwise every agent is a
// candidate.
func (r *Registry) Candidates(required []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.cacheEnabled || len(required) == 0 {
		return append([]string(nil), r.order...)
	}

	member := make(map[string]bool)
	for _, name := range required {
		for _, id := range r.capIndex[name] {
			member[id] = true
		}
	}
	var out []string
	for _, id := range r.order {
		if member[id] {
			out = append(out, id)
		}
	}
	return out
}

// Covers reports how many of the required capability names the agent
// advertises.
func Covers(agent Agent, required []string) int {
	have := make(map[string]bool)
	for _, cap := range agent.Capabilities() {
		have[cap.Name] = true
	}
	n := 0
	for _, name := range required {
		if have[name] {
			n++
		}
	}
	return n
}

// Metadata lists the registered agents' metadata in registration order.
func (r *Registry) Metadata() []models.ComponentMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ComponentMetadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].Metadata())
	}
	return out
}
