// Package state provides scoped, versioned, checksummed key/value state
// on top of the storage backend. Scopes isolate namespaces by key
// prefix; versioning and checksums come from the backend itself so
// every caller sees the same data_version for the same content.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/pkg/models"
)

// Scope qualifies a state namespace. Global has no qualifier; session,
// agent, workflow, and custom scopes carry the owning id.
type Scope struct {
	Kind models.ScopeKind `json:"kind"`
	ID   string           `json:"id,omitempty"`
}

func Global() Scope              { return Scope{Kind: models.ScopeGlobal} }
func Session(id string) Scope    { return Scope{Kind: models.ScopeSession, ID: id} }
func Agent(id string) Scope      { return Scope{Kind: models.ScopeAgent, ID: id} }
func Workflow(name string) Scope { return Scope{Kind: models.ScopeWorkflow, ID: name} }
func Custom(name string) Scope   { return Scope{Kind: models.ScopeCustom, ID: name} }

// Prefix renders the scope's key prefix, including the trailing
// separator.
func (s Scope) Prefix() string {
	if s.Kind == models.ScopeGlobal || s.ID == "" {
		return string(s.Kind) + "/"
	}
	return string(s.Kind) + ":" + s.ID + "/"
}

func (s Scope) String() string { return strings.TrimSuffix(s.Prefix(), "/") }

// ParseScope parses "global", "session:<id>", "agent:<id>",
// "workflow:<name>", or "custom:<name>".
func ParseScope(s string) (Scope, error) {
	kind, id, _ := strings.Cut(s, ":")
	scope := Scope{Kind: models.ScopeKind(kind), ID: id}
	switch scope.Kind {
	case models.ScopeGlobal:
		scope.ID = ""
		return scope, nil
	case models.ScopeSession, models.ScopeAgent, models.ScopeWorkflow, models.ScopeCustom:
		if scope.ID == "" {
			return Scope{}, &models.ScriptError{
				Code:    models.CodeValidationError,
				Message: string(scope.Kind) + " scope needs a qualifier",
			}
		}
		return scope, nil
	default:
		return Scope{}, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: "unknown scope kind: " + kind,
		}
	}
}

// validateKey rejects keys that would break prefix isolation.
func (s Scope) validateKey(key string) error {
	if key == "" {
		return &models.ScriptError{Code: models.CodeValidationError, Message: "state key must not be empty"}
	}
	if strings.Contains(key, "/") {
		return &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: "state key must not contain '/'",
			Details: map[string]interface{}{"key": key},
		}
	}
	return nil
}

// Manager is the scoped state surface for one tenant.
type Manager struct {
	backend storage.Backend
	tenant  string
}

// NewManager creates a state manager bound to a tenant namespace.
func NewManager(backend storage.Backend, tenant string) *Manager {
	return &Manager{backend: backend, tenant: tenant}
}

// Get returns the entry for key within scope. The backend verifies the
// checksum before the value reaches the caller.
func (m *Manager) Get(ctx context.Context, scope Scope, key string) (*models.StateEntry, error) {
	if err := scope.validateKey(key); err != nil {
		return nil, err
	}
	entry, err := m.backend.Get(ctx, m.tenant, scope.Prefix()+key)
	if err != nil {
		return nil, err
	}
	return m.toStateEntry(scope, key, entry), nil
}

// GetValue unmarshals the stored value into out.
func (m *Manager) GetValue(ctx context.Context, scope Scope, key string, out interface{}) error {
	entry, err := m.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return fmt.Errorf("decode state %s/%s: %w", scope, key, err)
	}
	return nil
}

// Set serializes value as JSON and writes it. The data version bumps
// only when the serialized content actually changed.
func (m *Manager) Set(ctx context.Context, scope Scope, key string, value interface{}) (*models.StateEntry, error) {
	if err := scope.validateKey(key); err != nil {
		return nil, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("state value not serializable: %v", err),
		}
	}
	entry, err := m.backend.Set(ctx, m.tenant, scope.Prefix()+key, data)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("scope", scope.String()).
		Str("key", key).
		Uint64("data_version", entry.DataVersion).
		Msg("State set")
	return m.toStateEntry(scope, key, entry), nil
}

// Delete removes key from scope. Missing keys return NotFound.
func (m *Manager) Delete(ctx context.Context, scope Scope, key string) error {
	if err := scope.validateKey(key); err != nil {
		return err
	}
	return m.backend.Delete(ctx, m.tenant, scope.Prefix()+key)
}

// Exists reports whether key is set within scope.
func (m *Manager) Exists(ctx context.Context, scope Scope, key string) (bool, error) {
	if err := scope.validateKey(key); err != nil {
		return false, err
	}
	return m.backend.Exists(ctx, m.tenant, scope.Prefix()+key)
}

// ListKeys returns the keys in scope, with the scope prefix stripped.
// Keys from other scopes never appear.
func (m *Manager) ListKeys(ctx context.Context, scope Scope) ([]string, error) {
	prefix := scope.Prefix()
	keys, err := m.backend.ListKeys(ctx, m.tenant, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

// ClearScope removes every key in the scope.
func (m *Manager) ClearScope(ctx context.Context, scope Scope) error {
	keys, err := m.backend.ListKeys(ctx, m.tenant, scope.Prefix())
	if err != nil {
		return err
	}
	return m.backend.DeleteBatch(ctx, m.tenant, keys)
}

// LoadAgentState reads the persisted state blob for an agent by its
// conventional key within the agent scope.
func (m *Manager) LoadAgentState(ctx context.Context, agentID, agentType string) (*models.StateEntry, error) {
	key := storage.AgentStateKey(agentID, agentType)
	entry, err := m.backend.Get(ctx, m.tenant, Agent(agentID).Prefix()+key)
	if err != nil {
		return nil, err
	}
	return m.toStateEntry(Agent(agentID), key, entry), nil
}

// SaveAgentState writes the agent's state blob under its conventional
// key.
func (m *Manager) SaveAgentState(ctx context.Context, agentID, agentType string, value interface{}) (*models.StateEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("agent state not serializable: %v", err),
		}
	}
	key := storage.AgentStateKey(agentID, agentType)
	entry, err := m.backend.Set(ctx, m.tenant, Agent(agentID).Prefix()+key, data)
	if err != nil {
		return nil, err
	}
	return m.toStateEntry(Agent(agentID), key, entry), nil
}

// Tenant returns the tenant this manager is bound to.
func (m *Manager) Tenant() string { return m.tenant }

// Backend exposes the underlying storage for subsystems that snapshot
// the whole tree (backup, state dump).
func (m *Manager) Backend() storage.Backend { return m.backend }

func (m *Manager) toStateEntry(scope Scope, key string, entry *storage.Entry) *models.StateEntry {
	return &models.StateEntry{
		Scope:       scope.String(),
		Key:         key,
		Value:       json.RawMessage(entry.Value),
		DataVersion: entry.DataVersion,
		Checksum:    entry.Checksum,
		UpdatedAt:   entry.UpdatedAt,
	}
}
