// In-memory Backend implementation. Used for tests and local
// development; supports optional file-based snapshot persistence so
// data survives restarts, with debounced background saves.
package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Memory implements Backend with per-tenant maps.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*Entry

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // stops the save loop
	stopOnce     sync.Once
}

// NewMemory creates a new in-memory backend. When dataDir is non-empty,
// data is persisted to a JSON snapshot in that directory.
func NewMemory(dataDir string) *Memory {
	m := &Memory{
		tenants: make(map[string]map[string]*Entry),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "storage.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory storage backend configured")
	return m
}

func (m *Memory) tenant(tenant string) map[string]*Entry {
	t, ok := m.tenants[tenant]
	if !ok {
		t = make(map[string]*Entry)
		m.tenants[tenant] = t
	}
	return t
}

// Get returns the entry for key, verifying its checksum.
func (m *Memory) Get(ctx context.Context, tenant, key string) (*Entry, error) {
	m.mu.RLock()
	entry, ok := m.tenants[tenant][key]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Tenant: tenant, Key: key}
	}

	actual := Checksum(entry.Value)
	if actual != entry.Checksum {
		return nil, &ErrChecksumMismatch{Tenant: tenant, Key: key, Expected: entry.Checksum, Actual: actual}
	}

	cp := *entry
	cp.Value = append([]byte(nil), entry.Value...)
	return &cp, nil
}

// Set stores value under key, recomputing the checksum and bumping
// DataVersion when the content changed. Unchanged content keeps its
// version, mirroring a trigger that fires only on content change.
func (m *Memory) Set(ctx context.Context, tenant, key string, value []byte) (*Entry, error) {
	m.mu.Lock()
	t := m.tenant(tenant)
	prev, existed := t[key]

	entry := &Entry{
		Value:     append([]byte(nil), value...),
		Checksum:  Checksum(value),
		UpdatedAt: time.Now().UTC(),
	}
	switch {
	case !existed:
		entry.DataVersion = 1
	case prev.Checksum == entry.Checksum:
		entry.DataVersion = prev.DataVersion
	default:
		entry.DataVersion = prev.DataVersion + 1
	}
	t[key] = entry
	m.mu.Unlock()

	m.requestSave()
	cp := *entry
	return &cp, nil
}

// Delete removes key from the tenant namespace.
func (m *Memory) Delete(ctx context.Context, tenant, key string) error {
	m.mu.Lock()
	t, ok := m.tenants[tenant]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Tenant: tenant, Key: key}
	}
	if _, ok := t[key]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Tenant: tenant, Key: key}
	}
	delete(t, key)
	m.mu.Unlock()

	m.requestSave()
	return nil
}

// Exists reports whether key is present.
func (m *Memory) Exists(ctx context.Context, tenant, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tenants[tenant][key]
	return ok, nil
}

// ListKeys returns all keys with the given prefix, sorted.
func (m *Memory) ListKeys(ctx context.Context, tenant, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.tenants[tenant] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// GetBatch returns entries for the requested keys; missing keys are
// omitted rather than failing the whole batch.
func (m *Memory) GetBatch(ctx context.Context, tenant string, keys []string) (map[string]*Entry, error) {
	result := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		entry, err := m.Get(ctx, tenant, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result[key] = entry
	}
	return result, nil
}

// SetBatch stores every value in the map.
func (m *Memory) SetBatch(ctx context.Context, tenant string, values map[string][]byte) error {
	for key, value := range values {
		if _, err := m.Set(ctx, tenant, key, value); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch removes every key; missing keys are ignored.
func (m *Memory) DeleteBatch(ctx context.Context, tenant string, keys []string) error {
	for _, key := range keys {
		if err := m.Delete(ctx, tenant, key); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

// Clear removes every key in the tenant namespace.
func (m *Memory) Clear(ctx context.Context, tenant string) error {
	m.mu.Lock()
	delete(m.tenants, tenant)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Characteristics() Characteristics {
	return Characteristics{
		Persistent:         m.snapshotPath != "",
		Transactional:      false,
		SupportsPrefixScan: true,
		SupportsAtomicOps:  false,
		AvgReadLatency:     time.Microsecond,
		AvgWriteLatency:    time.Microsecond,
	}
}

// Migrate is a no-op for the memory backend.
func (m *Memory) Migrate(ctx context.Context) error { return nil }

// MigrationVersion always reports the current schema for memory.
func (m *Memory) MigrationVersion(ctx context.Context) (int, error) { return schemaVersion, nil }

// schemaVersion is the storage schema version shared by all backends.
const schemaVersion = 1

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close stops the background save loop and flushes a final snapshot.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Snapshot persistence ─────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *Memory) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max one write per 500ms).
func (m *Memory) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *Memory) saveSnapshot() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	data, err := json.Marshal(m.tenants)
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialize storage snapshot")
		return
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("Failed to write storage snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Failed to replace storage snapshot")
	}
}

func (m *Memory) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Cannot read storage snapshot")
		}
		return
	}
	var tenants map[string]map[string]*Entry
	if err := json.Unmarshal(data, &tenants); err != nil {
		log.Warn().Err(err).Msg("Corrupt storage snapshot, starting empty")
		return
	}
	m.mu.Lock()
	m.tenants = tenants
	m.mu.Unlock()
	log.Info().Int("tenants", len(tenants)).Msg("Storage snapshot loaded")
}
