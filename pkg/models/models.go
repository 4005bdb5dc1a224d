// Package models defines the shared type vocabulary for the Runehost
// runtime: events, sessions, artifacts, access control, delegation,
// workflows, kernel messages, and backups. All structs are JSON-tagged
// so they round-trip through the storage layer and the wire protocol
// unchanged.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Capabilities ─────────────────────────────────────────────

// CapabilityCategory classifies what kind of work a capability covers.
type CapabilityCategory string

const (
	CategoryDataProcessing CapabilityCategory = "data-processing"
	CategoryOrchestration  CapabilityCategory = "orchestration"
	CategoryAnalysis       CapabilityCategory = "analysis"
	CategoryGeneration     CapabilityCategory = "generation"
	CategoryIntegration    CapabilityCategory = "integration"
	CategoryCustom         CapabilityCategory = "custom"
)

// Capability is a named, categorized feature an agent advertises or a
// delegation requires.
type Capability struct {
	Name     string                 `json:"name"`
	Category CapabilityCategory     `json:"category"`
	Version  string                 `json:"version,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ComponentMetadata describes a registered component (agent, tool, workflow).
type ComponentMetadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind,omitempty"` // "mock", "delegating", "workflow", ...
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// ── Delegation ───────────────────────────────────────────────

// DelegationStrategy selects which candidate agent receives a delegation.
type DelegationStrategy string

const (
	StrategyFirstMatch   DelegationStrategy = "first-match"
	StrategyBestMatch    DelegationStrategy = "best-match"
	StrategyRoundRobin   DelegationStrategy = "round-robin"
	StrategyRandom       DelegationStrategy = "random"
	StrategyLoadBalanced DelegationStrategy = "load-balanced"
	StrategyCustom       DelegationStrategy = "custom"
)

// DelegationRequest asks the delegating agent to route work to a single
// agent that advertises all required capabilities.
type DelegationRequest struct {
	TaskID               string                 `json:"task_id"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Input                interface{}            `json:"input"`
	Priority             uint8                  `json:"priority"`
	Timeout              time.Duration          `json:"timeout,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// DelegationResult is always returned from a delegation. Failures are
// reported through Success/Error rather than raised, so workflows stay
// in control of recovery.
type DelegationResult struct {
	TaskID      string        `json:"task_id"`
	DelegatedTo string        `json:"delegated_to,omitempty"`
	Result      interface{}   `json:"result,omitempty"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
}

// ── State ────────────────────────────────────────────────────

// ScopeKind discriminates state scopes.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeSession  ScopeKind = "session"
	ScopeAgent    ScopeKind = "agent"
	ScopeWorkflow ScopeKind = "workflow"
	ScopeCustom   ScopeKind = "custom"
)

// StateEntry is a scoped, versioned, checksummed state record as stored
// by the backend. Checksum is the hex SHA-256 of the serialized value;
// DataVersion strictly increases on content change.
type StateEntry struct {
	Scope       string          `json:"scope"`
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	DataVersion uint64          `json:"data_version"`
	Checksum    string          `json:"checksum"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ── Events ───────────────────────────────────────────────────

// EventLanguage records which script binding emitted an event.
type EventLanguage string

const (
	LangNative EventLanguage = "native"
	LangLua    EventLanguage = "lua"
	LangJS     EventLanguage = "javascript"
)

// EventMetadata carries correlation and routing data for an event.
type EventMetadata struct {
	CorrelationID string   `json:"correlation_id"`
	Source        string   `json:"source,omitempty"`
	Target        string   `json:"target,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// UniversalEvent is a typed, timestamped, correlated record published on
// the bus. Type is a dotted path ("agent.execute", "system.start") so
// subscribers can match with segment globs.
type UniversalEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Payload   interface{}   `json:"payload,omitempty"`
	Language  EventLanguage `json:"language"`
	Timestamp time.Time     `json:"timestamp"`
	Sequence  uint64        `json:"sequence"`
	Metadata  EventMetadata `json:"metadata"`
}

// EventRelationship is a typed edge between two correlated events.
type EventRelationship string

const (
	RelCausedBy       EventRelationship = "caused_by"
	RelResponseTo     EventRelationship = "response_to"
	RelFollowsFrom    EventRelationship = "follows_from"
	RelConcurrentWith EventRelationship = "concurrent_with"
	RelSpawnedBy      EventRelationship = "spawned_by"
)

// IsCausal reports whether the relationship contributes to causality
// depth. ConcurrentWith is symmetric and never part of a causal chain.
func (r EventRelationship) IsCausal() bool {
	switch r {
	case RelCausedBy, RelResponseTo, RelFollowsFrom, RelSpawnedBy:
		return true
	}
	return false
}

// ── Sessions ─────────────────────────────────────────────────

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Message is one turn in a session conversation.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Session is an isolation unit that owns artifacts and scoped state.
type Session struct {
	ID           string                 `json:"id"`
	Tenant       string                 `json:"tenant"`
	Name         string                 `json:"name,omitempty"`
	Status       SessionStatus          `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Artifacts    []ArtifactID           `json:"artifacts,omitempty"`
	Conversation []Message              `json:"conversation,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// ── Artifacts ────────────────────────────────────────────────

// ArtifactKind classifies where artifact bytes came from.
type ArtifactKind string

const (
	ArtifactUserInput       ArtifactKind = "user_input"
	ArtifactAgentOutput     ArtifactKind = "agent_output"
	ArtifactToolResult      ArtifactKind = "tool_result"
	ArtifactSystemGenerated ArtifactKind = "system_generated"
)

// ArtifactID identifies an artifact by content hash, owning session, and
// a per-session sequence. Identity depends on all three fields.
type ArtifactID struct {
	ContentHash string `json:"content_hash"`
	SessionID   string `json:"session_id"`
	Sequence    uint64 `json:"sequence"`
}

// StorageKey returns the backend key for this artifact.
func (id ArtifactID) StorageKey() string {
	return fmt.Sprintf("artifact:%s:%s:%d", id.ContentHash, id.SessionID, id.Sequence)
}

// Artifact is a content-addressed, ACL-governed binary object within a
// session.
type Artifact struct {
	ID        ArtifactID             `json:"id"`
	Kind      ArtifactKind           `json:"kind"`
	Name      string                 `json:"name"`
	Bytes     []byte                 `json:"bytes"`
	Mime      string                 `json:"mime,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ── Access control ───────────────────────────────────────────

// Permission is an ordered grant level: Admin implies Write implies Read.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// Includes reports whether holding p satisfies a requirement of other.
func (p Permission) Includes(other Permission) bool {
	return p.rank() >= other.rank()
}

func (p Permission) rank() int {
	switch p {
	case PermissionAdmin:
		return 3
	case PermissionWrite:
		return 2
	case PermissionRead:
		return 1
	}
	return 0
}

// AccessType is the concrete operation being checked against an ACL.
type AccessType string

const (
	AccessRead              AccessType = "read"
	AccessList              AccessType = "list"
	AccessWrite             AccessType = "write"
	AccessDelete            AccessType = "delete"
	AccessShare             AccessType = "share"
	AccessChangePermissions AccessType = "change_permissions"
)

// RequiredPermission maps an access type onto the permission level that
// grants it: {Read, List} → Read, {Write} → Write, everything else → Admin.
func (a AccessType) RequiredPermission() Permission {
	switch a {
	case AccessRead, AccessList:
		return PermissionRead
	case AccessWrite:
		return PermissionWrite
	default:
		return PermissionAdmin
	}
}

// AccessControlEntry grants a session a permission level, optionally
// time-bounded. Expired entries grant nothing.
type AccessControlEntry struct {
	SessionID  string     `json:"session_id"`
	Permission Permission `json:"permission"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	GrantedBy  string     `json:"granted_by,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e AccessControlEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// AccessControlList governs one artifact. The owner holds implicit Admin
// and can never be revoked.
type AccessControlList struct {
	Owner      string               `json:"owner"`
	Entries    []AccessControlEntry `json:"entries,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	ModifiedAt time.Time            `json:"modified_at"`
}

// AuditEntry records one permission check or ACL mutation.
type AuditEntry struct {
	Artifact   ArtifactID `json:"artifact"`
	SessionID  string     `json:"session_id"`
	AccessType AccessType `json:"access_type"`
	Granted    bool       `json:"granted"`
	Reason     string     `json:"reason,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source,omitempty"`
}

// ── Backups ──────────────────────────────────────────────────

type BackupKind string

const (
	BackupFull        BackupKind = "full"
	BackupIncremental BackupKind = "incremental"
)

// CompressionType selects the backup blob codec.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
	CompressionLz4  CompressionType = "lz4"
)

// BackupStats summarizes what a backup captured.
type BackupStats struct {
	Entries          int   `json:"entries"`
	RawBytes         int64 `json:"raw_bytes"`
	CompressedBytes  int64 `json:"compressed_bytes"`
	DurationMs       int64 `json:"duration_ms"`
	ScopesSnapshoted int   `json:"scopes_snapshoted"`
}

// BackupMetadata is written as a sibling .meta.json next to the data
// blob. An incremental's ParentID must name an existing backup with the
// same SchemaVersion.
type BackupMetadata struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	Kind           BackupKind        `json:"kind"`
	ParentID       string            `json:"parent_id,omitempty"`
	SchemaVersion  int               `json:"schema_version"`
	ScopeChecksums map[string]string `json:"scope_checksums"`
	Compression    CompressionType   `json:"compression"`
	Level          int               `json:"compression_level,omitempty"`
	Stats          BackupStats       `json:"stats"`
}

// ── Kernel protocol ──────────────────────────────────────────

// Channel is one of the five logical kernel streams.
type Channel string

const (
	ChannelShell     Channel = "shell"
	ChannelControl   Channel = "control"
	ChannelIOPub     Channel = "iopub"
	ChannelStdin     Channel = "stdin"
	ChannelHeartbeat Channel = "heartbeat"
)

// MessageContent is the polymorphic body of a kernel message. Exactly
// one of the method/reply/broadcast shapes is populated depending on
// the channel pattern.
type MessageContent struct {
	// Request fields (Shell, Control, Stdin).
	Method string                 `json:"method,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`

	// Reply fields.
	Status string                 `json:"status,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`

	// Broadcast fields (IOPub).
	Broadcast string                 `json:"broadcast,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// MessageMetadata carries routing and correlation data for a kernel
// message.
type MessageMetadata struct {
	ParentID      string    `json:"parent_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// UniversalMessage is the single message shape multiplexed over the
// kernel transport.
type UniversalMessage struct {
	ID       string          `json:"id"`
	Protocol string          `json:"protocol"`
	Channel  Channel         `json:"channel"`
	Content  MessageContent  `json:"content"`
	Metadata MessageMetadata `json:"metadata"`
}

// ── Script error codes ───────────────────────────────────────

// Stable script-facing error codes. Subsystem errors are mapped onto
// these at the API boundary; the original message is preserved.
const (
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeAccessDenied          = "ACCESS_DENIED"
	CodeInvalidOperation      = "INVALID_OPERATION"
	CodeInvalidTransition     = "INVALID_STATE_TRANSITION"
	CodeRateLimited           = "RATE_LIMITED"
	CodeTimeout               = "TIMEOUT"
	CodeIntegrityError        = "INTEGRITY_ERROR"
	CodeResourceLimitExceeded = "RESOURCE_LIMIT_EXCEEDED"
	CodeConfigurationError    = "CONFIGURATION_ERROR"
	CodeStorageError          = "STORAGE_ERROR"
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
)

// ScriptError is the structured error surfaced to user scripts and API
// clients.
type ScriptError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ScriptError) Error() string {
	return e.Code + ": " + e.Message
}
