package artifacts_test

import (
	"context"
	"testing"
	"time"

	"github.com/runehost/runehost/internal/artifacts"
	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/pkg/models"
)

func newTestManager(t *testing.T, crossSession bool) *artifacts.Manager {
	t.Helper()
	backend := storage.NewMemory("")
	t.Cleanup(func() { backend.Close() })
	return artifacts.NewManager(backend, "test-tenant", config.SessionConfig{
		AllowCrossSessionSharing: crossSession,
		MaxAuditEntries:          100,
	})
}

func mustStore(t *testing.T, m *artifacts.Manager, session, name string, data []byte) *models.Artifact {
	t.Helper()
	a, err := m.Store(context.Background(), session, models.ArtifactAgentOutput, name, data, nil)
	if err != nil {
		t.Fatalf("Store(%s) error: %v", name, err)
	}
	return a
}

func TestStore_IdentityAndDedup(t *testing.T) {
	m := newTestManager(t, true)

	first := mustStore(t, m, "s1", "report", []byte("payload"))
	if first.ID.ContentHash != artifacts.ContentHash([]byte("payload")) {
		t.Error("ContentHash not derived from bytes")
	}
	if first.ID.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", first.ID.Sequence)
	}

	// Same bytes, same session: dedups onto the existing artifact.
	dup := mustStore(t, m, "s1", "report-copy", []byte("payload"))
	if dup.ID != first.ID {
		t.Errorf("dedup produced new id %+v", dup.ID)
	}

	// Different bytes: new sequence.
	other := mustStore(t, m, "s1", "other", []byte("different"))
	if other.ID.Sequence != 2 {
		t.Errorf("second artifact Sequence = %d, want 2", other.ID.Sequence)
	}

	// Same bytes, different session: separate artifact.
	elsewhere := mustStore(t, m, "s2", "report", []byte("payload"))
	if elsewhere.ID == first.ID {
		t.Error("artifacts deduped across sessions")
	}
}

func TestOwnerAccess(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	a := mustStore(t, m, "s1", "doc", []byte("x"))

	got, err := m.Get(ctx, a.ID, "s1")
	if err != nil {
		t.Fatalf("owner Get() error: %v", err)
	}
	if string(got.Bytes) != "x" {
		t.Errorf("Get().Bytes = %q", got.Bytes)
	}

	// Strangers hold nothing.
	if _, err := m.Get(ctx, a.ID, "s2"); err == nil {
		t.Fatal("stranger Get() should be denied")
	} else if se, ok := err.(*models.ScriptError); !ok || se.Code != models.CodeAccessDenied {
		t.Errorf("stranger Get() error = %v, want ACCESS_DENIED", err)
	}
}

func TestGrantRevokeFlow(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	a := mustStore(t, m, "s1", "doc", []byte("shared"))

	if err := m.Grant(ctx, a.ID, "s1", "s2", models.PermissionRead, nil); err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	if _, err := m.Get(ctx, a.ID, "s2"); err != nil {
		t.Fatalf("grantee Get() error: %v", err)
	}

	// Read does not satisfy Delete.
	if err := m.Delete(ctx, a.ID, "s2"); err == nil {
		t.Fatal("grantee Delete() with Read should be denied")
	}

	if err := m.Revoke(ctx, a.ID, "s1", "s2"); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if _, err := m.Get(ctx, a.ID, "s2"); err == nil {
		t.Fatal("Get() after revoke should be denied")
	}
}

func TestGrant_RequiresAdmin(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	a := mustStore(t, m, "s1", "doc", []byte("data"))
	m.Grant(ctx, a.ID, "s1", "s2", models.PermissionWrite, nil)

	// Write holders cannot change permissions.
	err := m.Grant(ctx, a.ID, "s2", "s3", models.PermissionRead, nil)
	se, ok := err.(*models.ScriptError)
	if !ok || se.Code != models.CodeAccessDenied {
		t.Errorf("non-admin Grant() error = %v, want ACCESS_DENIED", err)
	}
}

func TestRevoke_OwnerNeverRevocable(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	a := mustStore(t, m, "s1", "doc", []byte("data"))

	err := m.Revoke(ctx, a.ID, "s1", "s1")
	se, ok := err.(*models.ScriptError)
	if !ok || se.Code != models.CodeInvalidOperation {
		t.Errorf("Revoke(owner) error = %v, want INVALID_OPERATION", err)
	}

	// Owner keeps full access.
	if _, err := m.Get(ctx, a.ID, "s1"); err != nil {
		t.Errorf("owner lost access: %v", err)
	}
}

func TestRevoke_MissingGrant(t *testing.T) {
	m := newTestManager(t, true)

	a := mustStore(t, m, "s1", "doc", []byte("data"))
	err := m.Revoke(context.Background(), a.ID, "s1", "never-granted")
	se, ok := err.(*models.ScriptError)
	if !ok || se.Code != models.CodeNotFound {
		t.Errorf("Revoke() error = %v, want NOT_FOUND", err)
	}
}

func TestGrant_CrossSessionDisabled(t *testing.T) {
	m := newTestManager(t, false)

	a := mustStore(t, m, "s1", "doc", []byte("data"))
	err := m.Grant(context.Background(), a.ID, "s1", "s2", models.PermissionRead, nil)
	se, ok := err.(*models.ScriptError)
	if !ok || se.Code != models.CodeInvalidOperation {
		t.Errorf("cross-session Grant() error = %v, want INVALID_OPERATION", err)
	}
}

func TestExpiredGrantDenied(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	a := mustStore(t, m, "s1", "doc", []byte("data"))
	past := time.Now().UTC().Add(-time.Minute)
	if err := m.Grant(ctx, a.ID, "s1", "s2", models.PermissionAdmin, &past); err != nil {
		t.Fatalf("Grant() error: %v", err)
	}

	granted, err := m.CheckPermission(ctx, a.ID, "s2", models.AccessRead)
	if err != nil {
		t.Fatalf("CheckPermission() error: %v", err)
	}
	if granted {
		t.Error("expired grant still honored")
	}
}

func TestAuditTrail_OrderAndContent(t *testing.T) {
	m := newTestManager(t, true)
	ctx := context.Background()

	a := mustStore(t, m, "s1", "doc", []byte("audited"))
	m.Grant(ctx, a.ID, "s1", "s2", models.PermissionRead, nil)
	m.Get(ctx, a.ID, "s2")
	m.Revoke(ctx, a.ID, "s1", "s2")
	m.Get(ctx, a.ID, "s2")

	entries := m.Audit().ForArtifact(a.ID)
	if len(entries) < 5 {
		t.Fatalf("audit trail has %d entries, want at least 5", len(entries))
	}

	first := entries[0]
	if first.Reason != "artifact stored" || !first.Granted {
		t.Errorf("first entry = %+v, want granted store", first)
	}
	last := entries[len(entries)-1]
	if last.Granted || last.SessionID != "s2" {
		t.Errorf("last entry = %+v, want denied read for s2", last)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatal("audit entries out of chronological order")
		}
	}
}

func TestAuditLog_TrimsToThreeQuarters(t *testing.T) {
	log := artifacts.NewAuditLog(8)
	for i := 0; i < 9; i++ {
		log.Record(models.AuditEntry{SessionID: "s", Granted: true})
	}
	if log.Trimmed() == 0 {
		t.Fatal("log never trimmed")
	}
	// Trim drops to 75% of the cap.
	if got := log.Len(); got != 6 {
		t.Errorf("Len() = %d after trim, want 6", got)
	}
}

func TestList_ReturnsSessionArtifacts(t *testing.T) {
	m := newTestManager(t, true)

	mustStore(t, m, "s1", "a", []byte("1"))
	mustStore(t, m, "s1", "b", []byte("2"))
	mustStore(t, m, "s2", "c", []byte("3"))

	ids, err := m.List(context.Background(), "s1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("List(s1) returned %d ids, want 2", len(ids))
	}
	for _, id := range ids {
		if id.SessionID != "s1" {
			t.Errorf("List(s1) leaked artifact from %s", id.SessionID)
		}
	}
}
