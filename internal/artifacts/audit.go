package artifacts

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/pkg/models"
)

// AuditLog is a bounded in-memory record of every permission check and
// ACL mutation. When the log exceeds its cap it is trimmed to 75% of
// the cap, dropping the oldest entries.
type AuditLog struct {
	mu         sync.Mutex
	entries    []models.AuditEntry
	maxEntries int
	trimmed    uint64
}

// NewAuditLog creates an audit log holding at most maxEntries records.
func NewAuditLog(maxEntries int) *AuditLog {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &AuditLog{maxEntries: maxEntries}
}

// Record appends one entry, trimming if the cap is exceeded.
func (a *AuditLog) Record(entry models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, entry)
	if len(a.entries) > a.maxEntries {
		keep := a.maxEntries * 3 / 4
		dropped := len(a.entries) - keep
		a.entries = append([]models.AuditEntry(nil), a.entries[dropped:]...)
		a.trimmed += uint64(dropped)
		log.Debug().Int("dropped", dropped).Int("kept", keep).Msg("Audit log trimmed")
	}
}

// ForArtifact returns entries for one artifact, oldest first.
func (a *AuditLog) ForArtifact(id models.ArtifactID) []models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.AuditEntry
	for _, e := range a.entries {
		if e.Artifact == id {
			out = append(out, e)
		}
	}
	return out
}

// ForSession returns entries where the given session was the accessor,
// oldest first.
func (a *AuditLog) ForSession(sessionID string) []models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.AuditEntry
	for _, e := range a.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the current number of retained entries.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Trimmed reports how many entries retention has dropped in total.
func (a *AuditLog) Trimmed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trimmed
}
