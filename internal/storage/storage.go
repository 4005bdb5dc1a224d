// Package storage provides the tenant-scoped key/value backend
// interface and its implementations. All higher layers (state,
// artifacts, sessions, event persistence) sit on this surface, making
// it easy to swap between in-memory (tests, local dev) and PostgreSQL
// (production).
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is the stored payload for one key: raw bytes plus the
// server-side version and checksum. DataVersion strictly increases on
// content change; Checksum is the hex SHA-256 of Value.
type Entry struct {
	Value       []byte    `json:"value"`
	DataVersion uint64    `json:"data_version"`
	Checksum    string    `json:"checksum"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Checksum computes the hex SHA-256 of a value.
func Checksum(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Characteristics describe a backend's operational profile so callers
// can adapt (batching, retry, consistency expectations).
type Characteristics struct {
	Persistent         bool          `json:"persistent"`
	Transactional      bool          `json:"transactional"`
	SupportsPrefixScan bool          `json:"supports_prefix_scan"`
	SupportsAtomicOps  bool          `json:"supports_atomic_ops"`
	AvgReadLatency     time.Duration `json:"avg_read_latency"`
	AvgWriteLatency    time.Duration `json:"avg_write_latency"`
}

// Backend is the tenant-scoped key/value surface. Every operation takes
// the tenant explicitly; implementations must never let one tenant read
// or write another tenant's namespace.
type Backend interface {
	Get(ctx context.Context, tenant, key string) (*Entry, error)
	Set(ctx context.Context, tenant, key string, value []byte) (*Entry, error)
	Delete(ctx context.Context, tenant, key string) error
	Exists(ctx context.Context, tenant, key string) (bool, error)
	ListKeys(ctx context.Context, tenant, prefix string) ([]string, error)

	GetBatch(ctx context.Context, tenant string, keys []string) (map[string]*Entry, error)
	SetBatch(ctx context.Context, tenant string, values map[string][]byte) error
	DeleteBatch(ctx context.Context, tenant string, keys []string) error

	Clear(ctx context.Context, tenant string) error

	Type() string
	Characteristics() Characteristics

	Migrate(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// AgentStateKey builds the conventional key for persisted agent state.
func AgentStateKey(agentID, agentType string) string {
	if agentType == "" {
		return "agent:" + agentID
	}
	return "agent:" + agentID + ":" + agentType
}
