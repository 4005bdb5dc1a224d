package events

import (
	"sort"
	"sync"
	"time"

	"github.com/runehost/runehost/pkg/models"
)

// SortOrder selects how timeline entries are ordered.
type SortOrder string

const (
	SortChronologicalAsc  SortOrder = "chronological_asc"
	SortChronologicalDesc SortOrder = "chronological_desc"
	SortCausalityAsc      SortOrder = "causality_depth_asc"
	SortCausalityDesc     SortOrder = "causality_depth_desc"
	SortSequence          SortOrder = "sequence"
	SortCorrelationID     SortOrder = "correlation_id"
)

// Link is one typed edge between two tracked events. From precedes To:
// "From caused To", "To is a response to From", and so on.
type Link struct {
	From         string                   `json:"from"`
	To           string                   `json:"to"`
	Relationship models.EventRelationship `json:"relationship"`
	CreatedAt    time.Time                `json:"created_at"`
}

// TimelineQuery filters and orders tracked events. Zero-valued fields
// are inactive; every active filter must match for an event to appear.
type TimelineQuery struct {
	CorrelationIDs          []string                   `json:"correlation_ids,omitempty"`
	TypePatterns            []string                   `json:"type_patterns,omitempty"`
	Start                   *time.Time                 `json:"start,omitempty"`
	End                     *time.Time                 `json:"end,omitempty"`
	Sources                 []string                   `json:"sources,omitempty"`
	Targets                 []string                   `json:"targets,omitempty"`
	Languages               []models.EventLanguage     `json:"languages,omitempty"`
	Tags                    []string                   `json:"tags,omitempty"`
	MinDepth                *int                       `json:"min_depth,omitempty"`
	MaxDepth                *int                       `json:"max_depth,omitempty"`
	Relationships           []models.EventRelationship `json:"relationships,omitempty"`
	RootCausesOnly          bool                       `json:"root_causes_only,omitempty"`
	LeafEffectsOnly         bool                       `json:"leaf_effects_only,omitempty"`
	MinEventsPerCorrelation int                        `json:"min_events_per_correlation,omitempty"`
	MaxEventsPerCorrelation int                        `json:"max_events_per_correlation,omitempty"`
	SortBy                  SortOrder                  `json:"sort_by,omitempty"`
	Limit                   int                        `json:"limit,omitempty"`
}

// TimelineEntry is one query result: the event plus its place in the
// causal graph and which filters it satisfied.
type TimelineEntry struct {
	Event          models.UniversalEvent `json:"event"`
	Position       int                   `json:"position"`
	CausalityDepth int                   `json:"causality_depth"`
	CausedBy       []string              `json:"caused_by,omitempty"`
	ConcurrentWith []string              `json:"concurrent_with,omitempty"`
	MatchScore     float64               `json:"match_score"`
	MatchedFilters []string              `json:"matched_filters,omitempty"`
}

// Tracker maintains the per-correlation event sets and the link graph.
type Tracker struct {
	mu            sync.RWMutex
	events        map[string]models.UniversalEvent
	byCorrelation map[string][]string
	links         []Link
	parents       map[string][]string // causal in-edges, child -> parents
	children      map[string][]string // causal out-edges
	concurrent    map[string][]string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		events:        make(map[string]models.UniversalEvent),
		byCorrelation: make(map[string][]string),
		parents:       make(map[string][]string),
		children:      make(map[string][]string),
		concurrent:    make(map[string][]string),
	}
}

// TrackEvent indexes the event by id and correlation. Re-tracking the
// same id replaces the stored copy without duplicating the index entry.
func (t *Tracker) TrackEvent(event models.UniversalEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, seen := t.events[event.ID]
	t.events[event.ID] = event
	if !seen {
		cid := event.Metadata.CorrelationID
		t.byCorrelation[cid] = append(t.byCorrelation[cid], event.ID)
	}
}

// AddLink records a typed edge between two tracked events. Causal
// relationships extend the causality graph; ConcurrentWith is symmetric
// and recorded on both sides.
func (t *Tracker) AddLink(from, to string, rel models.EventRelationship) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.events[from]; !ok {
		return &models.ScriptError{Code: models.CodeNotFound, Message: "unknown event: " + from}
	}
	if _, ok := t.events[to]; !ok {
		return &models.ScriptError{Code: models.CodeNotFound, Message: "unknown event: " + to}
	}

	t.links = append(t.links, Link{From: from, To: to, Relationship: rel, CreatedAt: time.Now().UTC()})
	switch {
	case rel.IsCausal():
		t.parents[to] = append(t.parents[to], from)
		t.children[from] = append(t.children[from], to)
	case rel == models.RelConcurrentWith:
		t.concurrent[from] = append(t.concurrent[from], to)
		t.concurrent[to] = append(t.concurrent[to], from)
	}
	return nil
}

// Links returns a copy of all recorded edges.
func (t *Tracker) Links() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Link(nil), t.links...)
}

// CorrelationEvents returns the tracked events for one correlation id,
// in tracking order.
func (t *Tracker) CorrelationEvents(correlationID string) []models.UniversalEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.byCorrelation[correlationID]
	out := make([]models.UniversalEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.events[id])
	}
	return out
}

// depth computes the longest causal chain from a root to id. Roots have
// depth zero. The visiting set breaks accidental cycles so a malformed
// graph cannot hang the query.
func (t *Tracker) depth(id string, memo map[string]int, visiting map[string]bool) int {
	if d, ok := memo[id]; ok {
		return d
	}
	if visiting[id] {
		return 0
	}
	visiting[id] = true
	defer delete(visiting, id)

	best := 0
	for _, parent := range t.parents[id] {
		if d := t.depth(parent, memo, visiting) + 1; d > best {
			best = d
		}
	}
	memo[id] = best
	return best
}

// hasRelationship reports whether id participates in at least one edge
// of any of the given relationship types.
func (t *Tracker) hasRelationship(id string, rels []models.EventRelationship) bool {
	for _, l := range t.links {
		if l.From != id && l.To != id {
			continue
		}
		for _, rel := range rels {
			if l.Relationship == rel {
				return true
			}
		}
	}
	return false
}

// Query evaluates a timeline query against every tracked event. Each
// active filter must match; the score and matched list report which
// filters an entry satisfied out of those active.
func (t *Tracker) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	memo := make(map[string]int)
	var entries []TimelineEntry

	for id, event := range t.events {
		matched, total, reasons := t.match(event, q, memo)
		if matched != total {
			continue
		}

		score := 1.0
		if total > 0 {
			score = float64(matched) / float64(total)
		}
		entries = append(entries, TimelineEntry{
			Event:          event,
			CausalityDepth: t.depth(id, memo, make(map[string]bool)),
			CausedBy:       append([]string(nil), t.parents[id]...),
			ConcurrentWith: append([]string(nil), t.concurrent[id]...),
			MatchScore:     score,
			MatchedFilters: reasons,
		})
	}

	t.sortEntries(entries, q.SortBy)
	for i := range entries {
		entries[i].Position = i
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries
}

// QueryRootCauses returns every tracked event with no incoming causal
// edge, in chronological order.
func (t *Tracker) QueryRootCauses() []TimelineEntry {
	return t.Query(TimelineQuery{RootCausesOnly: true, SortBy: SortChronologicalAsc})
}

// match evaluates every active filter for one event, returning how many
// matched, how many were active, and the names of the matched ones.
func (t *Tracker) match(event models.UniversalEvent, q TimelineQuery, memo map[string]int) (matched, total int, reasons []string) {
	check := func(name string, ok bool) {
		total++
		if ok {
			matched++
			reasons = append(reasons, name)
		}
	}

	if len(q.CorrelationIDs) > 0 {
		check("correlation_id", containsString(q.CorrelationIDs, event.Metadata.CorrelationID))
	}
	if len(q.TypePatterns) > 0 {
		ok := false
		for _, p := range q.TypePatterns {
			if MatchPattern(p, event.Type) {
				ok = true
				break
			}
		}
		check("type_pattern", ok)
	}
	if q.Start != nil {
		check("start", !event.Timestamp.Before(*q.Start))
	}
	if q.End != nil {
		check("end", !event.Timestamp.After(*q.End))
	}
	if len(q.Sources) > 0 {
		check("source", containsString(q.Sources, event.Metadata.Source))
	}
	if len(q.Targets) > 0 {
		check("target", containsString(q.Targets, event.Metadata.Target))
	}
	if len(q.Languages) > 0 {
		ok := false
		for _, l := range q.Languages {
			if l == event.Language {
				ok = true
				break
			}
		}
		check("language", ok)
	}
	if len(q.Tags) > 0 {
		ok := false
		for _, want := range q.Tags {
			if containsString(event.Metadata.Tags, want) {
				ok = true
				break
			}
		}
		check("tag", ok)
	}
	if q.MinDepth != nil || q.MaxDepth != nil {
		d := t.depth(event.ID, memo, make(map[string]bool))
		ok := true
		if q.MinDepth != nil && d < *q.MinDepth {
			ok = false
		}
		if q.MaxDepth != nil && d > *q.MaxDepth {
			ok = false
		}
		check("causality_depth", ok)
	}
	if len(q.Relationships) > 0 {
		check("relationship", t.hasRelationship(event.ID, q.Relationships))
	}
	if q.RootCausesOnly {
		check("root_causes_only", len(t.parents[event.ID]) == 0)
	}
	if q.LeafEffectsOnly {
		check("leaf_effects_only", len(t.children[event.ID]) == 0)
	}
	if q.MinEventsPerCorrelation > 0 || q.MaxEventsPerCorrelation > 0 {
		n := len(t.byCorrelation[event.Metadata.CorrelationID])
		ok := true
		if q.MinEventsPerCorrelation > 0 && n < q.MinEventsPerCorrelation {
			ok = false
		}
		if q.MaxEventsPerCorrelation > 0 && n > q.MaxEventsPerCorrelation {
			ok = false
		}
		check("events_per_correlation", ok)
	}
	return matched, total, reasons
}

func (t *Tracker) sortEntries(entries []TimelineEntry, order SortOrder) {
	less := func(i, j int) bool {
		return entries[i].Event.Timestamp.Before(entries[j].Event.Timestamp)
	}
	switch order {
	case SortChronologicalDesc:
		less = func(i, j int) bool {
			return entries[i].Event.Timestamp.After(entries[j].Event.Timestamp)
		}
	case SortCausalityAsc:
		less = func(i, j int) bool {
			if entries[i].CausalityDepth != entries[j].CausalityDepth {
				return entries[i].CausalityDepth < entries[j].CausalityDepth
			}
			return entries[i].Event.Sequence < entries[j].Event.Sequence
		}
	case SortCausalityDesc:
		less = func(i, j int) bool {
			if entries[i].CausalityDepth != entries[j].CausalityDepth {
				return entries[i].CausalityDepth > entries[j].CausalityDepth
			}
			return entries[i].Event.Sequence < entries[j].Event.Sequence
		}
	case SortSequence:
		less = func(i, j int) bool {
			return entries[i].Event.Sequence < entries[j].Event.Sequence
		}
	case SortCorrelationID:
		less = func(i, j int) bool {
			a, b := entries[i].Event.Metadata.CorrelationID, entries[j].Event.Metadata.CorrelationID
			if a != b {
				return a < b
			}
			return entries[i].Event.Sequence < entries[j].Event.Sequence
		}
	}
	sort.SliceStable(entries, less)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
