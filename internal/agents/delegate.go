package agents

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/runehost/runehost/pkg/models"
)

const defaultDelegationTimeout = 30 * time.Second

// StrategyFunc selects one candidate id for a request. Used by the
// Custom strategy; registered by name on the delegator.
type StrategyFunc func(req models.DelegationRequest, candidates []string) string

// AgentStats are the per-agent delegation counters. AvgDurationMs is a
// running average over completed executions.
type AgentStats struct {
	Delegations   uint64  `json:"delegations"`
	Successes     uint64  `json:"successes"`
	Failures      uint64  `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// DelegatorMetrics snapshot the delegator's counters.
type DelegatorMetrics struct {
	TotalDelegations uint64                `json:"total_delegations"`
	Successes        uint64                `json:"successes"`
	Failures         uint64                `json:"failures"`
	Timeouts         uint64                `json:"timeouts"`
	PerAgent         map[string]AgentStats `json:"per_agent"`
}

// Options configure a delegator.
type Options struct {
	Strategy       models.DelegationStrategy
	CustomStrategy string
	DefaultTimeout time.Duration
	RetryOnFailure bool
	MaxRetries     int
}

// Delegator routes delegation requests to registered agents. It is
// itself an Agent so compositions can nest delegators.
type Delegator struct {
	ID       string
	registry *Registry
	tracer   trace.Tracer

	mu             sync.Mutex
	strategy       models.DelegationStrategy
	customName     string
	customFns      map[string]StrategyFunc
	defaultTimeout time.Duration
	retryOnFailure bool
	maxRetries     int
	cursor         int

	total    uint64
	success  uint64
	failed   uint64
	timeouts uint64
	perAgent map[string]*AgentStats
}

// NewDelegator creates a delegating agent over the registry.
func NewDelegator(id string, registry *Registry, opts Options) *Delegator {
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyFirstMatch
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultDelegationTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Delegator{
		ID:             id,
		registry:       registry,
		tracer:         otel.Tracer("runehost/agents"),
		strategy:       opts.Strategy,
		customName:     opts.CustomStrategy,
		customFns:      make(map[string]StrategyFunc),
		defaultTimeout: opts.DefaultTimeout,
		retryOnFailure: opts.RetryOnFailure,
		maxRetries:     opts.MaxRetries,
		perAgent:       make(map[string]*AgentStats),
	}
}

// SetStrategy switches the selection strategy at runtime.
func (d *Delegator) SetStrategy(strategy models.DelegationStrategy, customName string) {
	d.mu.Lock()
	d.strategy = strategy
	d.customName = customName
	d.mu.Unlock()
}

// RegisterStrategy installs a named Custom strategy function.
func (d *Delegator) RegisterStrategy(name string, fn StrategyFunc) {
	d.mu.Lock()
	d.customFns[name] = fn
	d.mu.Unlock()
}

// Delegate routes one request. Failures of any kind come back as a
// DelegationResult with Success=false rather than an error, so callers
// stay in control of recovery.
func (d *Delegator) Delegate(ctx context.Context, req models.DelegationRequest) models.DelegationResult {
	ctx, span := d.tracer.Start(ctx, "agents.delegate",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID),
			attribute.StringSlice("required_capabilities", req.RequiredCapabilities),
		))
	defer span.End()

	start := time.Now()
	candidates := d.registry.Candidates(req.RequiredCapabilities)
	if len(candidates) == 0 {
		d.recordFailure("", start)
		return models.DelegationResult{
			TaskID:   req.TaskID,
			Duration: time.Since(start),
			Error:    "No agent matches required capabilities",
		}
	}

	targetID := d.selectCandidate(req, candidates)
	span.SetAttributes(attribute.String("delegated_to", targetID))

	agent, ok := d.registry.Get(targetID)
	if !ok {
		d.recordFailure(targetID, start)
		return models.DelegationResult{
			TaskID:   req.TaskID,
			Duration: time.Since(start),
			Error:    fmt.Sprintf("agent %s disappeared before execution", targetID),
		}
	}

	timeout := d.defaultTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	result, timedOut := d.executeWithRetry(ctx, agent, req, timeout)
	result.TaskID = req.TaskID
	result.DelegatedTo = targetID
	result.Duration = time.Since(start)

	if result.Success {
		d.recordSuccess(targetID, start)
	} else {
		d.recordFailure(targetID, start)
		if timedOut {
			d.mu.Lock()
			d.timeouts++
			d.mu.Unlock()
		}
		log.Warn().
			Str("task", req.TaskID).
			Str("agent", targetID).
			Str("error", result.Error).
			Dur("elapsed", result.Duration).
			Msg("Delegation failed")
	}
	return result
}

// executeWithRetry runs the agent, retrying high-priority requests on
// failure with fixed exponential backoff. Timeouts are never retried.
func (d *Delegator) executeWithRetry(ctx context.Context, agent Agent, req models.DelegationRequest, timeout time.Duration) (models.DelegationResult, bool) {
	attempts := 1
	if d.retryOnFailure && req.Priority > 5 {
		attempts = d.maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := 50 * time.Millisecond << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return models.DelegationResult{Error: "Delegation timeout"}, true
			}
		}

		output, err, timedOut := d.executeOnce(ctx, agent, req.Input, timeout)
		if timedOut {
			return models.DelegationResult{Error: "Delegation timeout"}, true
		}
		if err == nil {
			return models.DelegationResult{Success: true, Result: output}, false
		}
		lastErr = err
	}
	return models.DelegationResult{Error: lastErr.Error()}, false
}

func (d *Delegator) executeOnce(ctx context.Context, agent Agent, input interface{}, timeout time.Duration) (interface{}, error, bool) {
	if err := agent.ValidateInput(input); err != nil {
		return nil, err, false
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := agent.Execute(execCtx, input)
		if err != nil {
			err = agent.HandleError(err)
		}
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, nil, true
		}
		return o.output, o.err, false
	case <-execCtx.Done():
		return nil, nil, true
	}
}

// selectCandidate applies the configured strategy and counts the
// delegation against the chosen agent immediately, so LoadBalanced
// sees in-flight work rather than only completed executions. The
// round-robin cursor advances on every selection, including ones that
// later fail.
func (d *Delegator) selectCandidate(req models.DelegationRequest, candidates []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.pick(req, candidates)
	d.statsFor(id).Delegations++
	return id
}

func (d *Delegator) pick(req models.DelegationRequest, candidates []string) string {
	switch d.strategy {
	case models.StrategyRoundRobin:
		id := candidates[d.cursor%len(candidates)]
		d.cursor++
		return id

	case models.StrategyRandom:
		return candidates[rand.Intn(len(candidates))]

	case models.StrategyLoadBalanced:
		best := candidates[0]
		var bestCount uint64
		if s := d.perAgent[best]; s != nil {
			bestCount = s.Delegations
		}
		for _, id := range candidates[1:] {
			var count uint64
			if s := d.perAgent[id]; s != nil {
				count = s.Delegations
			}
			if count < bestCount {
				best, bestCount = id, count
			}
		}
		return best

	case models.StrategyBestMatch:
		best := candidates[0]
		bestScore := -1
		for _, id := range candidates {
			agent, ok := d.registry.Get(id)
			if !ok {
				continue
			}
			if score := Covers(agent, req.RequiredCapabilities); score > bestScore {
				best, bestScore = id, score
			}
		}
		return best

	case models.StrategyCustom:
		if fn, ok := d.customFns[d.customName]; ok {
			if id := fn(req, candidates); id != "" {
				return id
			}
		}
		return candidates[0]

	default: // FirstMatch
		return candidates[0]
	}
}

func (d *Delegator) recordSuccess(id string, start time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total++
	d.success++
	d.bump(id, start, true)
}

func (d *Delegator) recordFailure(id string, start time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total++
	d.failed++
	if id != "" {
		d.bump(id, start, false)
	}
}

func (d *Delegator) statsFor(id string) *AgentStats {
	s := d.perAgent[id]
	if s == nil {
		s = &AgentStats{}
		d.perAgent[id] = s
	}
	return s
}

func (d *Delegator) bump(id string, start time.Time, success bool) {
	s := d.statsFor(id)
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	elapsed := float64(time.Since(start).Milliseconds())
	n := float64(s.Successes + s.Failures)
	s.AvgDurationMs += (elapsed - s.AvgDurationMs) / n
}

// Metrics returns a snapshot of the delegation counters.
func (d *Delegator) Metrics() DelegatorMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	per := make(map[string]AgentStats, len(d.perAgent))
	for id, s := range d.perAgent {
		per[id] = *s
	}
	return DelegatorMetrics{
		TotalDelegations: d.total,
		Successes:        d.success,
		Failures:         d.failed,
		Timeouts:         d.timeouts,
		PerAgent:         per,
	}
}

// ── Agent interface ──────────────────────────────────────────

func (d *Delegator) Metadata() models.ComponentMetadata {
	return models.ComponentMetadata{ID: d.ID, Name: d.ID, Kind: "delegating"}
}

func (d *Delegator) Capabilities() []models.Capability {
	return []models.Capability{
		{Name: "delegation", Category: models.CategoryOrchestration},
		{Name: "load-balancing", Category: models.CategoryOrchestration},
	}
}

// Execute lets a delegator participate in compositions: the input must
// be a DelegationRequest, which is routed like any direct call.
func (d *Delegator) Execute(ctx context.Context, input interface{}) (interface{}, error) {
	req, err := asDelegationRequest(input)
	if err != nil {
		return nil, err
	}
	result := d.Delegate(ctx, req)
	if !result.Success {
		return result, fmt.Errorf("delegation failed: %s", result.Error)
	}
	return result, nil
}

func (d *Delegator) ValidateInput(input interface{}) error {
	_, err := asDelegationRequest(input)
	return err
}

func (d *Delegator) HandleError(err error) error { return err }

func asDelegationRequest(input interface{}) (models.DelegationRequest, error) {
	switch v := input.(type) {
	case models.DelegationRequest:
		return v, nil
	case *models.DelegationRequest:
		return *v, nil
	default:
		return models.DelegationRequest{}, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("delegator input must be a DelegationRequest, got %T", input),
		}
	}
}
