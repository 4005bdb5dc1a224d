package backup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runehost/runehost/internal/backup"
	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/pkg/models"
)

func newTestEngine(t *testing.T, cfg config.BackupConfig) (*backup.Engine, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory("")
	t.Cleanup(func() { backend.Close() })

	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.CompressionType == "" {
		cfg.CompressionEnabled = true
		cfg.CompressionType = string(models.CompressionZstd)
	}
	e, err := backup.NewEngine(backend, "test-tenant", cfg)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return e, backend
}

func seed(t *testing.T, backend *storage.Memory, keys map[string]string) {
	t.Helper()
	ctx := context.Background()
	for k, v := range keys {
		if _, err := backend.Set(ctx, "test-tenant", k, []byte(v)); err != nil {
			t.Fatalf("seed Set(%s): %v", k, err)
		}
	}
}

func TestCreateAndRestore_Full(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{})
	ctx := context.Background()

	seed(t, backend, map[string]string{
		"global/answer":    "42",
		"session:s1/state": "active",
	})

	meta, err := e.CreateBackup(ctx, false)
	if err != nil {
		t.Fatalf("CreateBackup() error: %v", err)
	}
	if meta.Kind != models.BackupFull {
		t.Errorf("Kind = %s, want full", meta.Kind)
	}
	if meta.Stats.Entries != 2 {
		t.Errorf("Entries = %d, want 2", meta.Stats.Entries)
	}
	if len(meta.ScopeChecksums) != 2 {
		t.Errorf("ScopeChecksums covers %d scopes, want 2 (global, session:s1)", len(meta.ScopeChecksums))
	}

	// Mutate and add noise, then restore.
	backend.Set(ctx, "test-tenant", "global/answer", []byte("mutated"))
	backend.Set(ctx, "test-tenant", "global/noise", []byte("extra"))

	report, err := e.RestoreBackup(ctx, meta.ID, backup.RestoreOptions{VerifyChecksums: true})
	if err != nil {
		t.Fatalf("RestoreBackup() error: %v", err)
	}
	if report.Applied != 1 || report.Deleted != 1 || report.Unchanged != 1 {
		t.Errorf("report = %+v, want applied 1, deleted 1, unchanged 1", report)
	}

	got, err := backend.Get(ctx, "test-tenant", "global/answer")
	if err != nil {
		t.Fatalf("Get() after restore: %v", err)
	}
	if string(got.Value) != "42" {
		t.Errorf("restored value = %q, want 42", got.Value)
	}
	if _, err := backend.Get(ctx, "test-tenant", "global/noise"); !storage.IsNotFound(err) {
		t.Error("key absent from backup survived restore")
	}
}

func TestRestore_DryRunTouchesNothing(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{})
	ctx := context.Background()

	seed(t, backend, map[string]string{"global/k": "original"})
	meta, _ := e.CreateBackup(ctx, false)
	backend.Set(ctx, "test-tenant", "global/k", []byte("changed"))

	report, err := e.RestoreBackup(ctx, meta.ID, backup.RestoreOptions{DryRun: true})
	if err != nil {
		t.Fatalf("RestoreBackup(dry run) error: %v", err)
	}
	if !report.DryRun || len(report.Changes) != 1 || report.Changes[0] != "set global/k" {
		t.Errorf("dry run report = %+v", report)
	}

	got, _ := backend.Get(ctx, "test-tenant", "global/k")
	if string(got.Value) != "changed" {
		t.Error("dry run modified the store")
	}
}

func TestRestore_SafetyBackup(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{})
	ctx := context.Background()

	seed(t, backend, map[string]string{"global/k": "v1"})
	meta, _ := e.CreateBackup(ctx, false)
	backend.Set(ctx, "test-tenant", "global/k", []byte("v2"))

	report, err := e.RestoreBackup(ctx, meta.ID, backup.DefaultRestoreOptions())
	if err != nil {
		t.Fatalf("RestoreBackup() error: %v", err)
	}
	if report.SafetyBackupID == "" {
		t.Fatal("no safety backup taken")
	}

	// The safety backup holds the pre-restore state.
	safety, err := e.RestoreBackup(ctx, report.SafetyBackupID, backup.RestoreOptions{})
	if err != nil {
		t.Fatalf("restore of safety backup: %v", err)
	}
	_ = safety
	got, _ := backend.Get(ctx, "test-tenant", "global/k")
	if string(got.Value) != "v2" {
		t.Errorf("safety restore value = %q, want v2", got.Value)
	}
}

func TestIncrementalChain(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{IncrementalEnabled: true})
	ctx := context.Background()

	seed(t, backend, map[string]string{
		"global/a": "1",
		"global/b": "2",
	})
	full, err := e.CreateBackup(ctx, false)
	if err != nil {
		t.Fatalf("full CreateBackup() error: %v", err)
	}

	backend.Set(ctx, "test-tenant", "global/a", []byte("changed"))
	backend.Delete(ctx, "test-tenant", "global/b")
	backend.Set(ctx, "test-tenant", "global/c", []byte("new"))

	inc, err := e.CreateBackup(ctx, true)
	if err != nil {
		t.Fatalf("incremental CreateBackup() error: %v", err)
	}
	if inc.Kind != models.BackupIncremental {
		t.Fatalf("Kind = %s, want incremental", inc.Kind)
	}
	if inc.ParentID != full.ID {
		t.Errorf("ParentID = %s, want %s", inc.ParentID, full.ID)
	}
	// Only the changed and new keys are carried.
	if inc.Stats.Entries != 2 {
		t.Errorf("incremental Entries = %d, want 2", inc.Stats.Entries)
	}

	// Wipe and restore the chain tip.
	backend.Clear(ctx, "test-tenant")
	if _, err := e.RestoreBackup(ctx, inc.ID, backup.RestoreOptions{VerifyChecksums: true}); err != nil {
		t.Fatalf("chain restore error: %v", err)
	}

	wantState := map[string]string{"global/a": "changed", "global/c": "new"}
	for k, want := range wantState {
		got, err := backend.Get(ctx, "test-tenant", k)
		if err != nil {
			t.Fatalf("Get(%s) after chain restore: %v", k, err)
		}
		if string(got.Value) != want {
			t.Errorf("%s = %q, want %q", k, got.Value, want)
		}
	}
	if _, err := backend.Get(ctx, "test-tenant", "global/b"); !storage.IsNotFound(err) {
		t.Error("deleted key resurrected by chain restore")
	}
}

func TestIncremental_WithoutParentFallsBackToFull(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{IncrementalEnabled: true})
	seed(t, backend, map[string]string{"global/k": "v"})

	meta, err := e.CreateBackup(context.Background(), true)
	if err != nil {
		t.Fatalf("CreateBackup() error: %v", err)
	}
	if meta.Kind != models.BackupFull {
		t.Errorf("first incremental request produced %s, want full fallback", meta.Kind)
	}
}

func TestVerify(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{})
	seed(t, backend, map[string]string{"global/k": "v"})

	meta, _ := e.CreateBackup(context.Background(), false)
	if err := e.Verify(context.Background(), meta.ID); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
	if err := e.Verify(context.Background(), "bkp-missing"); err == nil {
		t.Error("Verify() of missing backup should fail")
	}
}

func TestListBackups_NewestFirst(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{})
	ctx := context.Background()

	seed(t, backend, map[string]string{"global/k": "v"})
	first, _ := e.CreateBackup(ctx, false)
	time.Sleep(5 * time.Millisecond)
	second, _ := e.CreateBackup(ctx, false)

	metas, err := e.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups() error: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("ListBackups() returned %d, want 2", len(metas))
	}
	if metas[0].ID != second.ID || metas[1].ID != first.ID {
		t.Errorf("order = %s, %s; want newest first", metas[0].ID, metas[1].ID)
	}
}

func TestDeleteBackup(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{IncrementalEnabled: true})
	ctx := context.Background()

	seed(t, backend, map[string]string{"global/k": "v1"})
	full, _ := e.CreateBackup(ctx, false)
	backend.Set(ctx, "test-tenant", "global/k", []byte("v2"))
	inc, _ := e.CreateBackup(ctx, true)

	// The chain root cannot go while an incremental depends on it.
	if err := e.DeleteBackup(full.ID); err == nil {
		t.Error("DeleteBackup() of a chain parent should fail")
	}

	if err := e.DeleteBackup(inc.ID); err != nil {
		t.Fatalf("DeleteBackup() error: %v", err)
	}
	if err := e.DeleteBackup(full.ID); err != nil {
		t.Fatalf("DeleteBackup() of freed parent error: %v", err)
	}

	metas, _ := e.ListBackups()
	if len(metas) != 0 {
		t.Errorf("ListBackups() after deletes = %v, want empty", metas)
	}

	err := e.DeleteBackup("bkp-missing")
	var se *models.ScriptError
	if !errors.As(err, &se) || se.Code != models.CodeNotFound {
		t.Errorf("DeleteBackup(missing) = %v, want NOT_FOUND", err)
	}
}

func TestRunScheduler(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{})
	seed(t, backend, map[string]string{"global/k": "v"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.RunScheduler(ctx, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		metas, _ := e.ListBackups()
		if len(metas) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never produced a backup")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestApplyRetention_KeepsNewestFull(t *testing.T) {
	e, backend := newTestEngine(t, config.BackupConfig{
		MaxBackups:   1,
		MaxBackupAge: time.Nanosecond, // everything is too old immediately
	})
	ctx := context.Background()

	seed(t, backend, map[string]string{"global/k": "v"})
	e.CreateBackup(ctx, false)
	time.Sleep(5 * time.Millisecond)
	newest, _ := e.CreateBackup(ctx, false)
	time.Sleep(5 * time.Millisecond)

	removed, err := e.ApplyRetention()
	if err != nil {
		t.Fatalf("ApplyRetention() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	metas, _ := e.ListBackups()
	if len(metas) != 1 || metas[0].ID != newest.ID {
		t.Errorf("survivor = %v, want only the newest full backup", metas)
	}
}
