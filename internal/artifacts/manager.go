// Package artifacts implements content-addressed artifact storage with
// per-session access control. Every access decision flows through
// CheckPermission and lands in the audit log; the owner of an artifact
// holds implicit Admin that can never be revoked.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/pkg/models"
)

// Manager stores artifacts and their ACLs under the owning session's
// storage namespace.
type Manager struct {
	backend storage.Backend
	tenant  string
	audit   *AuditLog

	allowCrossSession bool

	mu   sync.Mutex
	seqs map[string]uint64 // per-session artifact sequence
}

// NewManager creates an artifact manager for one tenant.
func NewManager(backend storage.Backend, tenant string, cfg config.SessionConfig) *Manager {
	return &Manager{
		backend:           backend,
		tenant:            tenant,
		audit:             NewAuditLog(cfg.MaxAuditEntries),
		allowCrossSession: cfg.AllowCrossSessionSharing,
		seqs:              make(map[string]uint64),
	}
}

// Audit exposes the audit log for queries.
func (m *Manager) Audit() *AuditLog { return m.audit }

// ContentHash computes the hex SHA-256 of artifact bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sessionPrefix(sessionID string) string { return "session:" + sessionID + "/" }

func artifactKey(id models.ArtifactID) string {
	return sessionPrefix(id.SessionID) + id.StorageKey()
}

func aclKey(id models.ArtifactID) string {
	return sessionPrefix(id.SessionID) + fmt.Sprintf("acl:%s:%d", id.ContentHash, id.Sequence)
}

// Store persists the bytes as an artifact owned by sessionID. Identical
// bytes within the same session dedup onto the existing artifact id,
// keeping the original ACL and owner.
func (m *Manager) Store(ctx context.Context, sessionID string, kind models.ArtifactKind, name string, data []byte, meta map[string]interface{}) (*models.Artifact, error) {
	hash := ContentHash(data)

	if existing, err := m.findByHash(ctx, sessionID, hash); err != nil {
		return nil, err
	} else if existing != nil {
		m.audit.Record(models.AuditEntry{
			Artifact:   existing.ID,
			SessionID:  sessionID,
			AccessType: models.AccessWrite,
			Granted:    true,
			Reason:     "content dedup, existing artifact reused",
		})
		return existing, nil
	}

	id := models.ArtifactID{
		ContentHash: hash,
		SessionID:   sessionID,
		Sequence:    m.nextSequence(ctx, sessionID),
	}
	artifact := &models.Artifact{
		ID:        id,
		Kind:      kind,
		Name:      name,
		Bytes:     data,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	now := artifact.CreatedAt
	acl := &models.AccessControlList{Owner: sessionID, CreatedAt: now, ModifiedAt: now}

	if err := m.putJSON(ctx, artifactKey(id), artifact); err != nil {
		return nil, err
	}
	if err := m.putJSON(ctx, aclKey(id), acl); err != nil {
		return nil, err
	}

	m.audit.Record(models.AuditEntry{
		Artifact:   id,
		SessionID:  sessionID,
		AccessType: models.AccessWrite,
		Granted:    true,
		Reason:     "artifact stored",
	})
	log.Debug().
		Str("session", sessionID).
		Str("hash", hash[:12]).
		Uint64("sequence", id.Sequence).
		Str("name", name).
		Msg("Artifact stored")
	return artifact, nil
}

// Get returns the artifact if the requesting session holds Read.
func (m *Manager) Get(ctx context.Context, id models.ArtifactID, requester string) (*models.Artifact, error) {
	if err := m.requirePermission(ctx, id, requester, models.AccessRead); err != nil {
		return nil, err
	}
	var artifact models.Artifact
	if err := m.getJSON(ctx, artifactKey(id), &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Delete removes the artifact and its ACL. Requires Admin.
func (m *Manager) Delete(ctx context.Context, id models.ArtifactID, requester string) error {
	if err := m.requirePermission(ctx, id, requester, models.AccessDelete); err != nil {
		return err
	}
	if err := m.backend.Delete(ctx, m.tenant, artifactKey(id)); err != nil {
		return err
	}
	return m.backend.Delete(ctx, m.tenant, aclKey(id))
}

// List returns the artifact ids owned by sessionID. The requester must
// hold List on the session's artifacts, which any session has on its
// own namespace.
func (m *Manager) List(ctx context.Context, sessionID string) ([]models.ArtifactID, error) {
	prefix := sessionPrefix(sessionID) + "artifact:"
	keys, err := m.backend.ListKeys(ctx, m.tenant, prefix)
	if err != nil {
		return nil, err
	}

	ids := make([]models.ArtifactID, 0, len(keys))
	for _, key := range keys {
		id, ok := parseArtifactKey(strings.TrimPrefix(key, sessionPrefix(sessionID)))
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ── Access control ───────────────────────────────────────────

// CheckPermission decides whether session may perform access on the
// artifact, recording exactly one audit entry for the decision.
func (m *Manager) CheckPermission(ctx context.Context, id models.ArtifactID, sessionID string, access models.AccessType) (bool, error) {
	acl, err := m.getACL(ctx, id)
	if err != nil {
		return false, err
	}

	granted, reason := m.decide(acl, sessionID, access)
	m.audit.Record(models.AuditEntry{
		Artifact:   id,
		SessionID:  sessionID,
		AccessType: access,
		Granted:    granted,
		Reason:     reason,
	})
	return granted, nil
}

func (m *Manager) decide(acl *models.AccessControlList, sessionID string, access models.AccessType) (bool, string) {
	if acl.Owner == sessionID {
		return true, "owner"
	}
	required := access.RequiredPermission()
	now := time.Now().UTC()
	for _, e := range acl.Entries {
		if e.SessionID != sessionID {
			continue
		}
		if e.Expired(now) {
			return false, "grant expired"
		}
		if e.Permission.Includes(required) {
			return true, "granted " + string(e.Permission)
		}
		return false, fmt.Sprintf("holds %s, needs %s", e.Permission, required)
	}
	return false, "no grant"
}

// requirePermission is CheckPermission that converts a denial into an
// AccessDenied error.
func (m *Manager) requirePermission(ctx context.Context, id models.ArtifactID, sessionID string, access models.AccessType) error {
	granted, err := m.CheckPermission(ctx, id, sessionID, access)
	if err != nil {
		return err
	}
	if !granted {
		return &models.ScriptError{
			Code:    models.CodeAccessDenied,
			Message: fmt.Sprintf("session %s denied %s on artifact %s", sessionID, access, id.StorageKey()),
		}
	}
	return nil
}

// Grant gives grantee a permission on the artifact. Only Admin holders
// may grant; cross-session grants require sharing to be enabled.
func (m *Manager) Grant(ctx context.Context, id models.ArtifactID, granter, grantee string, perm models.Permission, expiresAt *time.Time) error {
	if !m.allowCrossSession && grantee != id.SessionID {
		m.audit.Record(models.AuditEntry{
			Artifact: id, SessionID: granter, AccessType: models.AccessShare,
			Granted: false, Reason: "cross-session sharing disabled",
		})
		return &models.ScriptError{Code: models.CodeInvalidOperation, Message: "cross-session sharing is disabled"}
	}
	if err := m.requirePermission(ctx, id, granter, models.AccessChangePermissions); err != nil {
		return err
	}

	acl, err := m.getACL(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := models.AccessControlEntry{
		SessionID:  grantee,
		Permission: perm,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
		GrantedBy:  granter,
	}

	replaced := false
	for i, e := range acl.Entries {
		if e.SessionID == grantee {
			acl.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		acl.Entries = append(acl.Entries, entry)
	}
	acl.ModifiedAt = now

	if err := m.putJSON(ctx, aclKey(id), acl); err != nil {
		return err
	}
	m.audit.Record(models.AuditEntry{
		Artifact: id, SessionID: granter, AccessType: models.AccessChangePermissions,
		Granted: true, Reason: fmt.Sprintf("granted %s to %s", perm, grantee),
	})
	return nil
}

// Revoke removes grantee's entry. The owner cannot be revoked, and
// revoking a session with no entry fails.
func (m *Manager) Revoke(ctx context.Context, id models.ArtifactID, revoker, grantee string) error {
	if err := m.requirePermission(ctx, id, revoker, models.AccessChangePermissions); err != nil {
		return err
	}

	acl, err := m.getACL(ctx, id)
	if err != nil {
		return err
	}
	if grantee == acl.Owner {
		m.audit.Record(models.AuditEntry{
			Artifact: id, SessionID: revoker, AccessType: models.AccessChangePermissions,
			Granted: false, Reason: "owner permissions cannot be revoked",
		})
		return &models.ScriptError{Code: models.CodeInvalidOperation, Message: "owner permissions cannot be revoked"}
	}

	found := false
	entries := acl.Entries[:0]
	for _, e := range acl.Entries {
		if e.SessionID == grantee {
			found = true
			continue
		}
		entries = append(entries, e)
	}
	if !found {
		return &models.ScriptError{
			Code:    models.CodeNotFound,
			Message: fmt.Sprintf("no grant for session %s on artifact", grantee),
		}
	}
	acl.Entries = entries
	acl.ModifiedAt = time.Now().UTC()

	if err := m.putJSON(ctx, aclKey(id), acl); err != nil {
		return err
	}
	m.audit.Record(models.AuditEntry{
		Artifact: id, SessionID: revoker, AccessType: models.AccessChangePermissions,
		Granted: true, Reason: "revoked " + grantee,
	})
	return nil
}

// ACL returns a copy of the artifact's access control list. The
// requester must hold Read on the artifact.
func (m *Manager) ACL(ctx context.Context, id models.ArtifactID, requester string) (*models.AccessControlList, error) {
	if err := m.requirePermission(ctx, id, requester, models.AccessRead); err != nil {
		return nil, err
	}
	return m.getACL(ctx, id)
}

// ── Internal helpers ─────────────────────────────────────────

func (m *Manager) getACL(ctx context.Context, id models.ArtifactID) (*models.AccessControlList, error) {
	var acl models.AccessControlList
	if err := m.getJSON(ctx, aclKey(id), &acl); err != nil {
		if storage.IsNotFound(err) {
			return nil, &models.ScriptError{
				Code:    models.CodeNotFound,
				Message: "artifact not found: " + id.StorageKey(),
			}
		}
		return nil, err
	}
	return &acl, nil
}

// findByHash looks for an existing artifact with the same content hash
// in the session.
func (m *Manager) findByHash(ctx context.Context, sessionID, hash string) (*models.Artifact, error) {
	prefix := sessionPrefix(sessionID) + "artifact:" + hash + ":"
	keys, err := m.backend.ListKeys(ctx, m.tenant, prefix)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	var artifact models.Artifact
	if err := m.getJSON(ctx, keys[0], &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// nextSequence allocates the next artifact sequence for a session,
// seeding lazily from the stored keys so sequences survive restarts.
func (m *Manager) nextSequence(ctx context.Context, sessionID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seeded := m.seqs[sessionID]; !seeded {
		var max uint64
		keys, err := m.backend.ListKeys(ctx, m.tenant, sessionPrefix(sessionID)+"artifact:")
		if err == nil {
			for _, key := range keys {
				if id, ok := parseArtifactKey(strings.TrimPrefix(key, sessionPrefix(sessionID))); ok && id.Sequence > max {
					max = id.Sequence
				}
			}
		}
		m.seqs[sessionID] = max
	}
	m.seqs[sessionID]++
	return m.seqs[sessionID]
}

func parseArtifactKey(key string) (models.ArtifactID, bool) {
	// artifact:<hash>:<session>:<seq>
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "artifact" {
		return models.ArtifactID{}, false
	}
	seq, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return models.ArtifactID{}, false
	}
	return models.ArtifactID{ContentHash: parts[1], SessionID: parts[2], Sequence: seq}, true
}

func (m *Manager) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = m.backend.Set(ctx, m.tenant, key, data)
	return err
}

func (m *Manager) getJSON(ctx context.Context, key string, v interface{}) error {
	entry, err := m.backend.Get(ctx, m.tenant, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Value, v)
}
