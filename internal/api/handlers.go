// Package api exposes the runtime over HTTP: agents, workflows, state,
// sessions, events, backups, and signal counters. Handlers are tenant
// aware; per-tenant services are built lazily from the shared backend.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/agents"
	"github.com/runehost/runehost/internal/api/middleware"
	"github.com/runehost/runehost/internal/artifacts"
	"github.com/runehost/runehost/internal/backup"
	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/events"
	"github.com/runehost/runehost/internal/sessions"
	"github.com/runehost/runehost/internal/signals"
	"github.com/runehost/runehost/internal/state"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/internal/workflow"
	"github.com/runehost/runehost/pkg/models"
)

// tenantServices bundle the per-tenant subsystems.
type tenantServices struct {
	state     *state.Manager
	artifacts *artifacts.Manager
	sessions  *sessions.Manager
	engine    *workflow.Engine
	discovery *workflow.Discovery
	backup    *backup.Engine

	mu        sync.Mutex
	workflows map[string]*workflow.Workflow
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Config    *config.Config
	Backend   storage.Backend
	Bus       *events.Bus
	Tracker   *events.Tracker
	Registry  *agents.Registry
	Delegator *agents.Delegator
	Signals   *signals.Handler
	Tools     *workflow.ToolRegistry

	mu      sync.Mutex
	tenants map[string]*tenantServices

	// schedCtx bounds the per-tenant backup schedulers; Close cancels it.
	schedCtx    context.Context
	schedCancel context.CancelFunc
}

// New creates a Handlers instance over the shared subsystems.
func New(cfg *config.Config, backend storage.Backend, bus *events.Bus, tracker *events.Tracker,
	registry *agents.Registry, delegator *agents.Delegator, sig *signals.Handler) *Handlers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{
		Config:      cfg,
		Backend:     backend,
		Bus:         bus,
		Tracker:     tracker,
		Registry:    registry,
		Delegator:   delegator,
		Signals:     sig,
		Tools:       workflow.NewToolRegistry(),
		tenants:     make(map[string]*tenantServices),
		schedCtx:    ctx,
		schedCancel: cancel,
	}
}

// Close stops background work owned by the handlers, currently the
// per-tenant backup schedulers.
func (h *Handlers) Close() {
	h.schedCancel()
}

// services returns the tenant's service bundle, building it on first
// use.
func (h *Handlers) services(tenant string) (*tenantServices, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if svc, ok := h.tenants[tenant]; ok {
		return svc, nil
	}

	st := state.NewManager(h.Backend, tenant)
	art := artifacts.NewManager(h.Backend, tenant, h.Config.Session)
	sess := sessions.NewManager(st, art, h.Bus, tenant)
	engine := workflow.NewEngine(st, h.Registry, h.Tools, h.Bus)

	bkCfg := h.Config.Backup
	bkCfg.Dir = filepath.Join(h.Config.Backup.Dir, tenant)
	bk, err := backup.NewEngine(h.Backend, tenant, bkCfg)
	if err != nil {
		return nil, err
	}
	if bkCfg.ScheduleEnabled {
		go bk.RunScheduler(h.schedCtx, bkCfg.FullBackupInterval)
	}

	svc := &tenantServices{
		state:     st,
		artifacts: art,
		sessions:  sess,
		engine:    engine,
		discovery: workflow.NewDiscovery(engine),
		backup:    bk,
		workflows: make(map[string]*workflow.Workflow),
	}
	h.tenants[tenant] = svc
	log.Debug().Str("tenant", tenant).Msg("Tenant services initialized")
	return svc, nil
}

func (h *Handlers) tenantServices(r *http.Request) (*tenantServices, error) {
	return h.services(middleware.GetTenant(r.Context()))
}

// ── Agents ───────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.Metadata())
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string      `json:"id"`
		Capabilities []string    `json:"capabilities"`
		Response     interface{} `json:"response,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "agent id is required")
		return
	}

	agent := agents.NewMockAgent(req.ID, req.Capabilities...)
	agent.Response = req.Response
	h.Registry.Register(agent)
	respondJSON(w, http.StatusCreated, agent.Metadata())
}

func (h *Handlers) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if !h.Registry.Unregister(id) {
		respondError(w, http.StatusNotFound, models.CodeNotFound, "agent not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"unregistered": id})
}

func (h *Handlers) Delegate(w http.ResponseWriter, r *http.Request) {
	var req models.DelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}
	result := h.Delegator.Delegate(r.Context(), req)
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy models.DelegationStrategy `json:"strategy"`
		Custom   string                    `json:"custom,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}
	h.Delegator.SetStrategy(req.Strategy, req.Custom)
	respondJSON(w, http.StatusOK, map[string]string{"strategy": string(req.Strategy)})
}

func (h *Handlers) AgentMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Delegator.Metrics())
}

// ── Workflows ────────────────────────────────────────────────

func (h *Handlers) DiscoverWorkflows(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, svc.discovery.Kinds())
}

func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind   workflow.Kind          `json:"kind"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}

	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	wf, err := svc.discovery.Create(req.Kind, req.Params)
	if err != nil {
		respondErr(w, err)
		return
	}

	info := wf.Info()
	svc.mu.Lock()
	svc.workflows[info.Name] = wf
	svc.mu.Unlock()
	respondJSON(w, http.StatusCreated, info)
}

func (h *Handlers) getWorkflow(r *http.Request) (*workflow.Workflow, error) {
	svc, err := h.tenantServices(r)
	if err != nil {
		return nil, err
	}
	name := chi.URLParam(r, "workflowName")
	svc.mu.Lock()
	defer svc.mu.Unlock()
	wf, ok := svc.workflows[name]
	if !ok {
		return nil, &models.ScriptError{Code: models.CodeNotFound, Message: "workflow not found: " + name}
	}
	return wf, nil
}

func (h *Handlers) WorkflowInfo(w http.ResponseWriter, r *http.Request) {
	wf, err := h.getWorkflow(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf.Info())
}

func (h *Handlers) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.getWorkflow(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	var req struct {
		Input interface{} `json:"input"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
			return
		}
	}

	result, execErr := wf.Execute(r.Context(), req.Input)
	if execErr != nil {
		if result == nil {
			respondErr(w, execErr)
			return
		}
		// Partial state and step errors travel with the result.
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"result": result,
			"error":  execErr.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── State ────────────────────────────────────────────────────

func (h *Handlers) requestScope(r *http.Request) (state.Scope, error) {
	return state.ParseScope(chi.URLParam(r, "scope"))
}

func (h *Handlers) ListStateKeys(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	scope, err := h.requestScope(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	keys, err := svc.state.ListKeys(r.Context(), scope)
	if err != nil {
		respondErr(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	respondJSON(w, http.StatusOK, keys)
}

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	scope, err := h.requestScope(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	entry, err := svc.state.Get(r.Context(), scope, chi.URLParam(r, "key"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) SetState(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	scope, err := h.requestScope(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	var value interface{}
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid JSON value")
		return
	}
	entry, err := svc.state.Set(r.Context(), scope, chi.URLParam(r, "key"), value)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) DeleteState(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	scope, err := h.requestScope(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := svc.state.Delete(r.Context(), scope, chi.URLParam(r, "key")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Sessions & artifacts ─────────────────────────────────────

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var opts sessions.CreateOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
			return
		}
	}
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	session, err := svc.sessions.Create(r.Context(), opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	session, err := svc.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) SessionTransition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := h.tenantServices(r)
		if err != nil {
			respondErr(w, err)
			return
		}
		id := chi.URLParam(r, "sessionID")

		var session *models.Session
		switch action {
		case "suspend":
			session, err = svc.sessions.Suspend(r.Context(), id)
		case "resume":
			session, err = svc.sessions.Resume(r.Context(), id)
		case "complete":
			session, err = svc.sessions.Complete(r.Context(), id)
		case "fail":
			var req struct {
				Reason string `json:"reason"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			session, err = svc.sessions.Fail(r.Context(), id, req.Reason)
		}
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, session)
	}
}

// requester returns the session acting on an artifact: the
// X-Session-ID header, or the owning session from the path.
func requester(r *http.Request) string {
	if s := r.Header.Get("X-Session-ID"); s != "" {
		return s
	}
	return chi.URLParam(r, "sessionID")
}

func artifactID(r *http.Request) (models.ArtifactID, error) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		return models.ArtifactID{}, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: "bad artifact sequence",
		}
	}
	return models.ArtifactID{
		ContentHash: chi.URLParam(r, "hash"),
		SessionID:   chi.URLParam(r, "sessionID"),
		Sequence:    seq,
	}, nil
}

func (h *Handlers) StoreArtifact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind     models.ArtifactKind    `json:"kind"`
		Name     string                 `json:"name"`
		Data     string                 `json:"data"` // base64
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "data must be base64")
		return
	}

	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := svc.sessions.StoreArtifact(r.Context(), chi.URLParam(r, "sessionID"), req.Kind, req.Name, data, req.Metadata)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, id)
}

func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	ids, err := svc.sessions.ListArtifacts(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if ids == nil {
		ids = []models.ArtifactID{}
	}
	respondJSON(w, http.StatusOK, ids)
}

func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := artifactID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	artifact, err := svc.sessions.GetArtifact(r.Context(), requester(r), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifact)
}

func (h *Handlers) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := artifactID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := svc.sessions.DeleteArtifact(r.Context(), requester(r), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GrantArtifactPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Grantee    string            `json:"grantee"`
		Permission models.Permission `json:"permission"`
		ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}

	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := artifactID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := svc.sessions.GrantArtifactPermission(r.Context(), requester(r), id, req.Grantee, req.Permission, req.ExpiresAt); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"granted": req.Grantee})
}

func (h *Handlers) RevokeArtifactPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Grantee string `json:"grantee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}

	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := artifactID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := svc.sessions.RevokeArtifactPermission(r.Context(), requester(r), id, req.Grantee); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"revoked": req.Grantee})
}

func (h *Handlers) GetArtifactACL(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := artifactID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	acl, err := svc.sessions.GetArtifactACL(r.Context(), requester(r), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acl)
}

func (h *Handlers) GetArtifactAuditLog(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := artifactID(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	entries := svc.sessions.GetArtifactAuditLog(id)
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Events ───────────────────────────────────────────────────

func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string               `json:"type"`
		Payload  interface{}          `json:"payload,omitempty"`
		Metadata models.EventMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "event type is required")
		return
	}

	event, err := h.Bus.Emit(r.Context(), req.Type, req.Payload, req.Metadata)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.Tracker.TrackEvent(event)
	respondJSON(w, http.StatusAccepted, event)
}

func (h *Handlers) QueryEvents(w http.ResponseWriter, r *http.Request) {
	var query events.TimelineQuery
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
			respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid timeline query")
			return
		}
	}
	entries := h.Tracker.Query(query)
	if entries == nil {
		entries = []events.TimelineEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) AddEventLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From         string                   `json:"from"`
		To           string                   `json:"to"`
		Relationship models.EventRelationship `json:"relationship"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid request body")
		return
	}
	if err := h.Tracker.AddLink(req.From, req.To, req.Relationship); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"from": req.From, "to": req.To})
}

func (h *Handlers) EventMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Bus.Metrics())
}

func (h *Handlers) ReplayEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	evts, err := h.Bus.Replay(r.Context(), pattern)
	if err != nil {
		respondErr(w, err)
		return
	}
	if evts == nil {
		evts = []models.UniversalEvent{}
	}
	respondJSON(w, http.StatusOK, evts)
}

// ── Backups ──────────────────────────────────────────────────

func (h *Handlers) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Incremental bool `json:"incremental"`
	}
	if r.ContentLength > 0 {
		json.NewDecoder(r.Body).Decode(&req)
	}

	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	meta, err := svc.backup.CreateBackup(r.Context(), req.Incremental)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, meta)
}

func (h *Handlers) ListBackups(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	metas, err := svc.backup.ListBackups()
	if err != nil {
		respondErr(w, err)
		return
	}
	if metas == nil {
		metas = []models.BackupMetadata{}
	}
	respondJSON(w, http.StatusOK, metas)
}

func (h *Handlers) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	opts := backup.DefaultRestoreOptions()
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			respondError(w, http.StatusBadRequest, models.CodeValidationError, "Invalid restore options")
			return
		}
	}

	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	report, err := svc.backup.RestoreBackup(r.Context(), chi.URLParam(r, "backupID"), opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id := chi.URLParam(r, "backupID")
	if err := svc.backup.Verify(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"verified": id})
}

func (h *Handlers) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := svc.backup.DeleteBackup(chi.URLParam(r, "backupID")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ApplyRetention(w http.ResponseWriter, r *http.Request) {
	svc, err := h.tenantServices(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	removed, err := svc.backup.ApplyRetention()
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// ── Signals ──────────────────────────────────────────────────

func (h *Handlers) SignalCounters(w http.ResponseWriter, r *http.Request) {
	if h.Signals == nil {
		respondError(w, http.StatusNotFound, models.CodeNotFound, "signal handler not configured")
		return
	}
	respondJSON(w, http.StatusOK, h.Signals.Counters())
}

// TriggerReload runs a config reload as if SIGHUP had been received.
func (h *Handlers) TriggerReload(w http.ResponseWriter, r *http.Request) {
	if h.Signals == nil {
		respondError(w, http.StatusNotFound, models.CodeNotFound, "signal handler not configured")
		return
	}
	changes := h.Signals.Reload()
	if changes == nil {
		changes = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// TriggerDump writes a state dump as if SIGUSR1 had been received.
func (h *Handlers) TriggerDump(w http.ResponseWriter, r *http.Request) {
	if h.Signals == nil {
		respondError(w, http.StatusNotFound, models.CodeNotFound, "signal handler not configured")
		return
	}
	h.Signals.Dump()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "dump requested"})
}

// ── Respond helpers ──────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error": models.ScriptError{Code: code, Message: message},
	})
}

// respondErr maps subsystem errors onto the stable script error codes.
func respondErr(w http.ResponseWriter, err error) {
	var se *models.ScriptError
	if errors.As(err, &se) {
		respondJSON(w, statusFor(se.Code), map[string]interface{}{"error": se})
		return
	}
	switch {
	case storage.IsNotFound(err):
		respondError(w, http.StatusNotFound, models.CodeNotFound, err.Error())
	case storage.IsChecksumMismatch(err):
		respondError(w, http.StatusInternalServerError, models.CodeIntegrityError, err.Error())
	case err == events.ErrRateLimited:
		respondError(w, http.StatusTooManyRequests, models.CodeRateLimited, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, models.CodeStorageError, err.Error())
	}
}

func statusFor(code string) int {
	switch code {
	case models.CodeSessionNotFound, models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeAccessDenied:
		return http.StatusForbidden
	case models.CodeValidationError, models.CodeInvalidOperation, models.CodeInvalidTransition, models.CodeConfigurationError:
		return http.StatusBadRequest
	case models.CodeRateLimited, models.CodeResourceLimitExceeded:
		return http.StatusTooManyRequests
	case models.CodeTimeout:
		return http.StatusGatewayTimeout
	case models.CodeIntegrityError, models.CodeStorageError:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
