// Package backup implements atomic, compressed, checksummed snapshots
// of the tenant state tree, with incremental chains and retention. A
// backup is two files in the backup directory: <id>.meta.json and
// <id>.bkp (the compressed payload), both written via temp file, fsync,
// and rename.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/pkg/models"
)

// ErrParentNotFound is returned when an incremental's parent backup is
// missing from the backup directory.
var ErrParentNotFound = fmt.Errorf("backup: parent not found")

// snapshotEntry is one stored key inside a backup payload.
type snapshotEntry struct {
	Value       []byte `json:"value"`
	Checksum    string `json:"checksum"`
	DataVersion uint64 `json:"data_version"`
}

// payload is the decompressed backup body. Full backups carry the whole
// tree; incrementals carry changed entries plus keys deleted since the
// parent.
type payload struct {
	Entries map[string]snapshotEntry `json:"entries"`
	Deleted []string                 `json:"deleted,omitempty"`
}

// RestoreOptions control how a backup is applied.
type RestoreOptions struct {
	VerifyChecksums bool `json:"verify_checksums"`
	BackupCurrent   bool `json:"backup_current"`
	DryRun          bool `json:"dry_run"`
	TargetVersion   int  `json:"target_version,omitempty"`
}

// DefaultRestoreOptions verify checksums and take a safety snapshot.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{VerifyChecksums: true, BackupCurrent: true}
}

// RestoreReport summarizes what a restore did, or would do under dry
// run.
type RestoreReport struct {
	BackupID       string   `json:"backup_id"`
	Applied        int      `json:"applied"`
	Deleted        int      `json:"deleted"`
	Unchanged      int      `json:"unchanged"`
	DryRun         bool     `json:"dry_run"`
	SafetyBackupID string   `json:"safety_backup_id,omitempty"`
	Changes        []string `json:"changes,omitempty"`
}

// Engine creates, restores, and retires backups for one tenant.
type Engine struct {
	backend storage.Backend
	tenant  string
	cfg     config.BackupConfig

	mu sync.Mutex // serializes create/restore/retention
}

// NewEngine creates a backup engine writing into cfg.Dir.
func NewEngine(backend storage.Backend, tenant string, cfg config.BackupConfig) (*Engine, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if !cfg.CompressionEnabled {
		cfg.CompressionType = string(models.CompressionNone)
	}
	if cfg.CompressionType == "" {
		cfg.CompressionType = string(models.CompressionZstd)
	}
	return &Engine{backend: backend, tenant: tenant, cfg: cfg}, nil
}

func (e *Engine) metaPath(id string) string { return filepath.Join(e.cfg.Dir, id+".meta.json") }
func (e *Engine) blobPath(id string) string { return filepath.Join(e.cfg.Dir, id+".bkp") }

// CreateBackup snapshots the tenant tree. When incremental is requested
// and a parent exists, only entries changed since the parent chain are
// captured; with no prior backup a full snapshot is taken instead.
func (e *Engine) CreateBackup(ctx context.Context, incremental bool) (*models.BackupMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createLocked(ctx, incremental)
}

func (e *Engine) createLocked(ctx context.Context, incremental bool) (*models.BackupMetadata, error) {
	start := time.Now()

	current, err := e.scan(ctx)
	if err != nil {
		return nil, err
	}

	kind := models.BackupFull
	parentID := ""
	body := payload{Entries: current}

	if incremental && e.cfg.IncrementalEnabled {
		if parent := e.latestBackup(); parent != nil && parent.SchemaVersion == e.schemaVersion(ctx) {
			base, err := e.materialize(parent.ID)
			if err != nil {
				return nil, err
			}
			kind = models.BackupIncremental
			parentID = parent.ID
			body = diff(base, current)
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal backup payload: %w", err)
	}
	ct := models.CompressionType(e.cfg.CompressionType)
	compressed, err := Compress(raw, ct, e.cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}

	meta := &models.BackupMetadata{
		ID:             fmt.Sprintf("bkp-%s-%s", start.UTC().Format("20060102T150405"), uuid.NewString()[:8]),
		CreatedAt:      start.UTC(),
		Kind:           kind,
		ParentID:       parentID,
		SchemaVersion:  e.schemaVersion(ctx),
		ScopeChecksums: scopeChecksums(current),
		Compression:    ct,
		Level:          e.cfg.CompressionLevel,
		Stats: models.BackupStats{
			Entries:          len(body.Entries),
			RawBytes:         int64(len(raw)),
			CompressedBytes:  int64(len(compressed)),
			DurationMs:       time.Since(start).Milliseconds(),
			ScopesSnapshoted: len(scopeChecksums(current)),
		},
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backup metadata: %w", err)
	}
	if err := writeFileSync(e.metaPath(meta.ID), metaBytes); err != nil {
		return nil, err
	}
	if err := writeFileSync(e.blobPath(meta.ID), compressed); err != nil {
		os.Remove(e.metaPath(meta.ID))
		return nil, err
	}

	log.Info().
		Str("id", meta.ID).
		Str("kind", string(kind)).
		Int("entries", meta.Stats.Entries).
		Int64("raw_bytes", meta.Stats.RawBytes).
		Int64("compressed_bytes", meta.Stats.CompressedBytes).
		Dur("elapsed", time.Since(start)).
		Msg("✅ Backup created")
	return meta, nil
}

// RestoreBackup applies the materialized chain ending at id.
func (e *Engine) RestoreBackup(ctx context.Context, id string, opts RestoreOptions) (*RestoreReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.materialize(id)
	if err != nil {
		return nil, err
	}

	if opts.VerifyChecksums {
		for key, entry := range view {
			if actual := storage.Checksum(entry.Value); actual != entry.Checksum {
				return nil, &storage.ErrChecksumMismatch{
					Tenant: e.tenant, Key: key, Expected: entry.Checksum, Actual: actual,
				}
			}
		}
	}

	report := &RestoreReport{BackupID: id, DryRun: opts.DryRun}

	current, err := e.scan(ctx)
	if err != nil {
		return nil, err
	}
	values := make(map[string][]byte)
	for key, entry := range view {
		if cur, ok := current[key]; ok && cur.Checksum == entry.Checksum {
			report.Unchanged++
			continue
		}
		values[key] = entry.Value
		report.Applied++
		if opts.DryRun {
			report.Changes = append(report.Changes, "set "+key)
		}
	}
	var stale []string
	for key := range current {
		if _, ok := view[key]; !ok {
			stale = append(stale, key)
			report.Deleted++
			if opts.DryRun {
				report.Changes = append(report.Changes, "delete "+key)
			}
		}
	}
	sort.Strings(report.Changes)

	if opts.DryRun {
		return report, nil
	}

	if opts.BackupCurrent {
		safety, err := e.createLocked(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("safety backup: %w", err)
		}
		report.SafetyBackupID = safety.ID
	}

	if err := e.backend.SetBatch(ctx, e.tenant, values); err != nil {
		return nil, fmt.Errorf("restore apply: %w", err)
	}
	if err := e.backend.DeleteBatch(ctx, e.tenant, stale); err != nil {
		return nil, fmt.Errorf("restore delete: %w", err)
	}

	log.Info().
		Str("id", id).
		Int("applied", report.Applied).
		Int("deleted", report.Deleted).
		Msg("✅ Backup restored")
	return report, nil
}

// Verify decompresses the chain ending at id and checks every entry's
// checksum without touching the store.
func (e *Engine) Verify(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.materialize(id)
	if err != nil {
		return err
	}
	for key, entry := range view {
		if actual := storage.Checksum(entry.Value); actual != entry.Checksum {
			return &storage.ErrChecksumMismatch{
				Tenant: e.tenant, Key: key, Expected: entry.Checksum, Actual: actual,
			}
		}
	}
	return nil
}

// ListBackups returns all backup metadata, newest first.
func (e *Engine) ListBackups() ([]models.BackupMetadata, error) {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var metas []models.BackupMetadata
	for _, de := range entries {
		if !strings.HasSuffix(de.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.cfg.Dir, de.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", de.Name()).Msg("Cannot read backup metadata")
			continue
		}
		var meta models.BackupMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			log.Warn().Err(err).Str("file", de.Name()).Msg("Corrupt backup metadata skipped")
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// ApplyRetention deletes backups beyond MaxBackups or older than
// MaxBackupAge. The most recent Full backup is always preserved.
func (e *Engine) ApplyRetention() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	metas, err := e.ListBackups()
	if err != nil {
		return 0, err
	}

	keepFull := ""
	for _, m := range metas { // newest first
		if m.Kind == models.BackupFull {
			keepFull = m.ID
			break
		}
	}

	now := time.Now().UTC()
	removed := 0
	for i, m := range metas {
		if m.ID == keepFull {
			continue
		}
		tooMany := e.cfg.MaxBackups > 0 && i >= e.cfg.MaxBackups
		tooOld := e.cfg.MaxBackupAge > 0 && now.Sub(m.CreatedAt) > e.cfg.MaxBackupAge
		if !tooMany && !tooOld {
			continue
		}
		os.Remove(e.blobPath(m.ID))
		os.Remove(e.metaPath(m.ID))
		removed++
		log.Info().Str("id", m.ID).Bool("too_old", tooOld).Msg("Backup retired")
	}
	return removed, nil
}

// DeleteBackup removes a backup's blob and metadata. A backup that
// still anchors an incremental chain cannot be deleted.
func (e *Engine) DeleteBackup(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.metaPath(id)); os.IsNotExist(err) {
		return &models.ScriptError{Code: models.CodeNotFound, Message: "backup not found: " + id}
	}
	metas, err := e.ListBackups()
	if err != nil {
		return err
	}
	for _, m := range metas {
		if m.ParentID == id {
			return fmt.Errorf("backup %s is the parent of %s", id, m.ID)
		}
	}
	if err := os.Remove(e.blobPath(id)); err != nil {
		return fmt.Errorf("delete backup blob: %w", err)
	}
	if err := os.Remove(e.metaPath(id)); err != nil {
		return fmt.Errorf("delete backup metadata: %w", err)
	}
	log.Info().Str("id", id).Msg("Backup deleted")
	return nil
}

// RunScheduler takes a full backup every interval until the context is
// cancelled. Failures are logged and the next tick proceeds.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.CreateBackup(ctx, false); err != nil {
				log.Error().Err(err).Str("tenant", e.tenant).Msg("🔥 Scheduled backup failed")
			}
		}
	}
}

// ── Internals ────────────────────────────────────────────────

// scan reads a consistent-enough view of the tenant tree. Concurrent
// writes may interleave; the snapshot reflects values observed during
// the scan.
func (e *Engine) scan(ctx context.Context) (map[string]snapshotEntry, error) {
	keys, err := e.backend.ListKeys(ctx, e.tenant, "")
	if err != nil {
		return nil, fmt.Errorf("backup scan: %w", err)
	}
	entries, err := e.backend.GetBatch(ctx, e.tenant, keys)
	if err != nil {
		return nil, fmt.Errorf("backup scan: %w", err)
	}

	out := make(map[string]snapshotEntry, len(entries))
	for key, entry := range entries {
		out[key] = snapshotEntry{Value: entry.Value, Checksum: entry.Checksum, DataVersion: entry.DataVersion}
	}
	return out, nil
}

// materialize reconstructs the full tree view at backup id by walking
// the parent chain down from its Full root.
func (e *Engine) materialize(id string) (map[string]snapshotEntry, error) {
	var chain []*models.BackupMetadata
	for cursor := id; cursor != ""; {
		meta, err := e.loadMeta(cursor)
		if err != nil {
			return nil, err
		}
		chain = append(chain, meta)
		if meta.Kind == models.BackupFull {
			break
		}
		if meta.ParentID == "" {
			return nil, fmt.Errorf("%w: incremental %s has no parent", ErrParentNotFound, meta.ID)
		}
		cursor = meta.ParentID
	}
	if chain[len(chain)-1].Kind != models.BackupFull {
		return nil, fmt.Errorf("%w: chain for %s has no full root", ErrParentNotFound, id)
	}

	view := make(map[string]snapshotEntry)
	for i := len(chain) - 1; i >= 0; i-- {
		body, err := e.loadPayload(chain[i])
		if err != nil {
			return nil, err
		}
		for key, entry := range body.Entries {
			view[key] = entry
		}
		for _, key := range body.Deleted {
			delete(view, key)
		}
	}
	return view, nil
}

func (e *Engine) loadMeta(id string) (*models.BackupMetadata, error) {
	data, err := os.ReadFile(e.metaPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup metadata %s: %w", id, err)
	}
	var meta models.BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse backup metadata %s: %w", id, err)
	}
	return &meta, nil
}

func (e *Engine) loadPayload(meta *models.BackupMetadata) (*payload, error) {
	compressed, err := os.ReadFile(e.blobPath(meta.ID))
	if err != nil {
		return nil, fmt.Errorf("read backup blob %s: %w", meta.ID, err)
	}
	raw, err := Decompress(compressed, meta.Compression)
	if err != nil {
		return nil, err
	}
	var body payload
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parse backup payload %s: %w", meta.ID, err)
	}
	return &body, nil
}

func (e *Engine) latestBackup() *models.BackupMetadata {
	metas, err := e.ListBackups()
	if err != nil || len(metas) == 0 {
		return nil
	}
	return &metas[0]
}

func (e *Engine) schemaVersion(ctx context.Context) int {
	v, err := e.backend.MigrationVersion(ctx)
	if err != nil {
		return 0
	}
	return v
}

// diff computes the incremental payload from base to current.
func diff(base, current map[string]snapshotEntry) payload {
	body := payload{Entries: make(map[string]snapshotEntry)}
	for key, entry := range current {
		if prev, ok := base[key]; !ok || prev.Checksum != entry.Checksum {
			body.Entries[key] = entry
		}
	}
	for key := range base {
		if _, ok := current[key]; !ok {
			body.Deleted = append(body.Deleted, key)
		}
	}
	sort.Strings(body.Deleted)
	return body
}

// scopeChecksums digests each scope's keys and checksums so restores
// and audits can compare trees without decompressing payloads.
func scopeChecksums(entries map[string]snapshotEntry) map[string]string {
	keysByScope := make(map[string][]string)
	for key := range entries {
		scope := key
		if i := strings.Index(key, "/"); i >= 0 {
			scope = key[:i]
		}
		keysByScope[scope] = append(keysByScope[scope], key)
	}

	out := make(map[string]string, len(keysByScope))
	for scope, keys := range keysByScope {
		sort.Strings(keys)
		h := sha256.New()
		for _, key := range keys {
			h.Write([]byte(key))
			h.Write([]byte(entries[key].Checksum))
		}
		out[scope] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// writeFileSync writes atomically: temp file, fsync, rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
