// Package agents implements the agent registry, the capability index,
// and the delegating agent that routes work across registered agents
// using a configurable selection strategy.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/runehost/runehost/pkg/models"
)

// Agent is the unit of execution the registry manages. Implementations
// must be safe for concurrent Execute calls.
type Agent interface {
	// Metadata identifies the agent.
	Metadata() models.ComponentMetadata

	// Capabilities lists what the agent advertises to the registry.
	Capabilities() []models.Capability

	// Execute runs the agent's work. The context carries the
	// delegation deadline.
	Execute(ctx context.Context, input interface{}) (interface{}, error)

	// ValidateInput rejects inputs the agent cannot process, before
	// any work is attempted.
	ValidateInput(input interface{}) error

	// HandleError lets the agent translate or recover from its own
	// execution errors. Returning nil swallows the error.
	HandleError(err error) error
}

// MockAgent is a scriptable agent for tests and composition demos. It
// echoes its configured response, optionally after a delay or with a
// forced failure.
type MockAgent struct {
	ID       string
	Name     string
	Caps     []models.Capability
	Response interface{}
	Delay    time.Duration
	FailWith error

	// Handler overrides the canned response when set.
	Handler func(ctx context.Context, input interface{}) (interface{}, error)
}

// NewMockAgent builds a mock advertising the given capability names in
// the custom category.
func NewMockAgent(id string, capabilities ...string) *MockAgent {
	caps := make([]models.Capability, 0, len(capabilities))
	for _, name := range capabilities {
		caps = append(caps, models.Capability{Name: name, Category: models.CategoryCustom})
	}
	return &MockAgent{ID: id, Name: id, Caps: caps}
}

func (m *MockAgent) Metadata() models.ComponentMetadata {
	return models.ComponentMetadata{ID: m.ID, Name: m.Name, Kind: "mock"}
}

func (m *MockAgent) Capabilities() []models.Capability { return m.Caps }

func (m *MockAgent) Execute(ctx context.Context, input interface{}) (interface{}, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if m.Handler != nil {
		return m.Handler(ctx, input)
	}
	if m.Response != nil {
		return m.Response, nil
	}
	return input, nil
}

func (m *MockAgent) ValidateInput(input interface{}) error { return nil }

func (m *MockAgent) HandleError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("agent %s: %w", m.ID, err)
}
