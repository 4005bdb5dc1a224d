// Package sessions owns the session lifecycle and scopes artifact
// operations to their owning session. Session state is persisted under
// the session's state scope; artifact access is delegated to the
// artifact layer so every call passes its permission check.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/artifacts"
	"github.com/runehost/runehost/internal/events"
	"github.com/runehost/runehost/internal/state"
	"github.com/runehost/runehost/pkg/models"
)

const sessionKey = "session"

// validTransitions enumerates the allowed status edges. Completed and
// Failed are terminal.
var validTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionActive: {models.SessionPaused, models.SessionCompleted, models.SessionFailed},
	models.SessionPaused: {models.SessionActive, models.SessionCompleted, models.SessionFailed},
}

func canTransition(from, to models.SessionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateOptions configure a new session.
type CreateOptions struct {
	Name     string                 `json:"name,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Manager is the session surface for one tenant.
type Manager struct {
	state     *state.Manager
	artifacts *artifacts.Manager
	bus       *events.Bus
	tenant    string
}

// NewManager wires the session manager. bus may be nil.
func NewManager(st *state.Manager, art *artifacts.Manager, bus *events.Bus, tenant string) *Manager {
	return &Manager{state: st, artifacts: art, bus: bus, tenant: tenant}
}

// Create starts a new active session and persists it.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		Tenant:    m.tenant,
		Name:      opts.Name,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  opts.Metadata,
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	m.emit(ctx, "session.created", session.ID, nil)
	log.Info().Str("session", session.ID).Str("name", opts.Name).Msg("Session created")
	return session, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := m.state.GetValue(ctx, state.Session(id), sessionKey, &session)
	if err != nil {
		return nil, &models.ScriptError{
			Code:    models.CodeSessionNotFound,
			Message: "session not found: " + id,
		}
	}
	return &session, nil
}

// Suspend pauses an active session.
func (m *Manager) Suspend(ctx context.Context, id string) (*models.Session, error) {
	return m.setStatus(ctx, id, models.SessionPaused, "")
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (*models.Session, error) {
	return m.setStatus(ctx, id, models.SessionActive, "")
}

// Complete terminates the session successfully.
func (m *Manager) Complete(ctx context.Context, id string) (*models.Session, error) {
	return m.setStatus(ctx, id, models.SessionCompleted, "")
}

// Fail terminates the session with an error message.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*models.Session, error) {
	return m.setStatus(ctx, id, models.SessionFailed, reason)
}

func (m *Manager) setStatus(ctx context.Context, id string, to models.SessionStatus, reason string) (*models.Session, error) {
	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(session.Status, to) {
		return nil, &models.ScriptError{
			Code:    models.CodeInvalidTransition,
			Message: fmt.Sprintf("session %s: cannot go %s -> %s", id, session.Status, to),
		}
	}

	now := time.Now().UTC()
	session.Status = to
	session.UpdatedAt = now
	session.Error = reason
	if to == models.SessionCompleted || to == models.SessionFailed {
		session.CompletedAt = &now
	}
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}

	m.emit(ctx, "session.status", id, map[string]interface{}{"status": string(to)})
	return session, nil
}

// AddMessage appends one conversation turn to the session.
func (m *Manager) AddMessage(ctx context.Context, id, role, content string, meta map[string]interface{}) (*models.Session, error) {
	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, &models.ScriptError{
			Code:    models.CodeInvalidOperation,
			Message: fmt.Sprintf("session %s is %s, not active", id, session.Status),
		}
	}

	session.Conversation = append(session.Conversation, models.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	})
	session.UpdatedAt = time.Now().UTC()
	if err := m.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ── Artifact operations ──────────────────────────────────────

// StoreArtifact writes bytes as an artifact owned by the session,
// records it on the session, and publishes a creation event.
func (m *Manager) StoreArtifact(ctx context.Context, sessionID string, kind models.ArtifactKind, name string, data []byte, meta map[string]interface{}) (*models.ArtifactID, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, &models.ScriptError{
			Code:    models.CodeInvalidOperation,
			Message: fmt.Sprintf("session %s is %s, not active", sessionID, session.Status),
		}
	}

	artifact, err := m.artifacts.Store(ctx, sessionID, kind, name, data, meta)
	if err != nil {
		return nil, err
	}

	known := false
	for _, existing := range session.Artifacts {
		if existing == artifact.ID {
			known = true
			break
		}
	}
	if !known {
		session.Artifacts = append(session.Artifacts, artifact.ID)
		session.UpdatedAt = time.Now().UTC()
		if err := m.save(ctx, session); err != nil {
			return nil, err
		}
	}

	m.emit(ctx, "session.artifact.stored", sessionID, map[string]interface{}{
		"artifact": artifact.ID.StorageKey(),
		"kind":     string(kind),
		"name":     name,
	})
	return &artifact.ID, nil
}

// GetArtifact fetches an artifact on behalf of the requesting session.
// The artifact layer enforces the ACL.
func (m *Manager) GetArtifact(ctx context.Context, requester string, id models.ArtifactID) (*models.Artifact, error) {
	return m.artifacts.Get(ctx, id, requester)
}

// DeleteArtifact removes an artifact; requires Admin on it.
func (m *Manager) DeleteArtifact(ctx context.Context, requester string, id models.ArtifactID) error {
	return m.artifacts.Delete(ctx, id, requester)
}

// ListArtifacts lists the session's artifact ids.
func (m *Manager) ListArtifacts(ctx context.Context, sessionID string) ([]models.ArtifactID, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.artifacts.List(ctx, sessionID)
}

// GrantArtifactPermission grants grantee a permission on the artifact.
func (m *Manager) GrantArtifactPermission(ctx context.Context, granter string, id models.ArtifactID, grantee string, perm models.Permission, expiresAt *time.Time) error {
	return m.artifacts.Grant(ctx, id, granter, grantee, perm, expiresAt)
}

// RevokeArtifactPermission removes grantee's entry from the ACL.
func (m *Manager) RevokeArtifactPermission(ctx context.Context, revoker string, id models.ArtifactID, grantee string) error {
	return m.artifacts.Revoke(ctx, id, revoker, grantee)
}

// GetArtifactACL returns the artifact's access control list.
func (m *Manager) GetArtifactACL(ctx context.Context, requester string, id models.ArtifactID) (*models.AccessControlList, error) {
	return m.artifacts.ACL(ctx, id, requester)
}

// GetArtifactAuditLog returns the audit entries for one artifact.
func (m *Manager) GetArtifactAuditLog(id models.ArtifactID) []models.AuditEntry {
	return m.artifacts.Audit().ForArtifact(id)
}

// ── Internals ────────────────────────────────────────────────

func (m *Manager) save(ctx context.Context, session *models.Session) error {
	_, err := m.state.Set(ctx, state.Session(session.ID), sessionKey, session)
	return err
}

func (m *Manager) emit(ctx context.Context, eventType, sessionID string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["session"] = sessionID
	_, err := m.bus.Emit(ctx, eventType, payload, models.EventMetadata{
		CorrelationID: sessionID,
		Source:        "sessions",
	})
	if err != nil {
		log.Debug().Err(err).Str("type", eventType).Msg("Session event not published")
	}
}
