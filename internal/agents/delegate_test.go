package agents_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runehost/runehost/internal/agents"
	"github.com/runehost/runehost/pkg/models"
)

func newDelegator(t *testing.T, opts agents.Options, agentIDs ...string) (*agents.Delegator, *agents.Registry) {
	t.Helper()
	r := agents.NewRegistry(true)
	for _, id := range agentIDs {
		a := agents.NewMockAgent(id, "calc")
		a.Response = "response from " + id
		r.Register(a)
	}
	return agents.NewDelegator("delegator", r, opts), r
}

func TestDelegate_FirstMatch(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{}, "a", "b")

	result := d.Delegate(context.Background(), models.DelegationRequest{
		TaskID:               "t1",
		RequiredCapabilities: []string{"calc"},
	})
	if !result.Success {
		t.Fatalf("Delegate() failed: %s", result.Error)
	}
	if result.DelegatedTo != "a" {
		t.Errorf("DelegatedTo = %q, want a", result.DelegatedTo)
	}
	if result.Result != "response from a" {
		t.Errorf("Result = %v", result.Result)
	}
}

func TestDelegate_NoCandidates(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{}, "a")

	result := d.Delegate(context.Background(), models.DelegationRequest{
		TaskID:               "t1",
		RequiredCapabilities: []string{"translate"},
	})
	if result.Success {
		t.Fatal("Delegate() with no candidates succeeded")
	}
	if result.Error != "No agent matches required capabilities" {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestDelegate_RoundRobinCycles(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{Strategy: models.StrategyRoundRobin}, "a", "b", "c")

	want := []string{"a", "b", "c", "a"}
	for i, target := range want {
		result := d.Delegate(context.Background(), models.DelegationRequest{
			TaskID:               "t",
			RequiredCapabilities: []string{"calc"},
		})
		if result.DelegatedTo != target {
			t.Errorf("delegation %d went to %q, want %q", i, result.DelegatedTo, target)
		}
	}
}

func TestDelegate_LoadBalancedCountsInFlight(t *testing.T) {
	r := agents.NewRegistry(true)
	release := make(chan struct{})
	started := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		id := id
		a := agents.NewMockAgent(id, "calc")
		a.Handler = func(ctx context.Context, input interface{}) (interface{}, error) {
			started <- id
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "done", nil
		}
		r.Register(a)
	}
	d := agents.NewDelegator("delegator", r, agents.Options{Strategy: models.StrategyLoadBalanced})

	// The first delegation's counter must move at selection time, so a
	// second delegation issued while it is still executing goes to the
	// other agent.
	results := make(chan models.DelegationResult, 2)
	go func() {
		results <- d.Delegate(context.Background(), models.DelegationRequest{RequiredCapabilities: []string{"calc"}})
	}()
	first := <-started

	go func() {
		results <- d.Delegate(context.Background(), models.DelegationRequest{RequiredCapabilities: []string{"calc"}})
	}()
	second := <-started

	if first == second {
		t.Errorf("both in-flight delegations went to %q, want distinct agents", first)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if res := <-results; !res.Success {
			t.Errorf("delegation failed: %s", res.Error)
		}
	}
}

func TestDelegate_LoadBalancedPicksLeastLoaded(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{Strategy: models.StrategyLoadBalanced}, "a", "b")

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		result := d.Delegate(context.Background(), models.DelegationRequest{
			RequiredCapabilities: []string{"calc"},
		})
		seen[result.DelegatedTo]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("load distribution = %v, want 2 each", seen)
	}
}

func TestDelegate_BestMatchMaximizesCoverage(t *testing.T) {
	r := agents.NewRegistry(true)
	r.Register(agents.NewMockAgent("narrow", "calc"))
	r.Register(agents.NewMockAgent("broad", "calc", "search"))
	d := agents.NewDelegator("delegator", r, agents.Options{Strategy: models.StrategyBestMatch})

	result := d.Delegate(context.Background(), models.DelegationRequest{
		RequiredCapabilities: []string{"calc", "search"},
	})
	if result.DelegatedTo != "broad" {
		t.Errorf("DelegatedTo = %q, want broad", result.DelegatedTo)
	}
}

func TestDelegate_CustomStrategy(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{
		Strategy:       models.StrategyCustom,
		CustomStrategy: "always-last",
	}, "a", "b", "c")

	d.RegisterStrategy("always-last", func(req models.DelegationRequest, candidates []string) string {
		return candidates[len(candidates)-1]
	})

	result := d.Delegate(context.Background(), models.DelegationRequest{
		RequiredCapabilities: []string{"calc"},
	})
	if result.DelegatedTo != "c" {
		t.Errorf("DelegatedTo = %q, want c", result.DelegatedTo)
	}
}

func TestDelegate_Timeout(t *testing.T) {
	r := agents.NewRegistry(true)
	slow := agents.NewMockAgent("slow", "calc")
	slow.Delay = 500 * time.Millisecond
	r.Register(slow)
	d := agents.NewDelegator("delegator", r, agents.Options{})

	result := d.Delegate(context.Background(), models.DelegationRequest{
		TaskID:               "t1",
		RequiredCapabilities: []string{"calc"},
		Timeout:              30 * time.Millisecond,
	})
	if result.Success {
		t.Fatal("slow delegation succeeded")
	}
	if result.Error != "Delegation timeout" {
		t.Errorf("Error = %q, want Delegation timeout", result.Error)
	}

	m := d.Metrics()
	if m.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", m.Timeouts)
	}
}

func TestDelegate_RetryHighPriorityOnly(t *testing.T) {
	r := agents.NewRegistry(true)

	calls := 0
	flaky := agents.NewMockAgent("flaky", "calc")
	flaky.Handler = func(ctx context.Context, input interface{}) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}
	r.Register(flaky)
	d := agents.NewDelegator("delegator", r, agents.Options{RetryOnFailure: true, MaxRetries: 3})

	// Low priority: no retry, first failure is final.
	result := d.Delegate(context.Background(), models.DelegationRequest{
		RequiredCapabilities: []string{"calc"},
		Priority:             1,
	})
	if result.Success {
		t.Fatal("low priority request should not retry")
	}

	// High priority: retries until the handler recovers.
	result = d.Delegate(context.Background(), models.DelegationRequest{
		RequiredCapabilities: []string{"calc"},
		Priority:             9,
	})
	if !result.Success {
		t.Fatalf("high priority request failed: %s", result.Error)
	}
	if result.Result != "recovered" {
		t.Errorf("Result = %v", result.Result)
	}
}

func TestDelegator_Metrics(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{}, "a")

	d.Delegate(context.Background(), models.DelegationRequest{RequiredCapabilities: []string{"calc"}})
	d.Delegate(context.Background(), models.DelegationRequest{RequiredCapabilities: []string{"nope"}})

	m := d.Metrics()
	if m.TotalDelegations != 2 || m.Successes != 1 || m.Failures != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if s := m.PerAgent["a"]; s.Delegations != 1 || s.Successes != 1 {
		t.Errorf("per-agent stats = %+v", s)
	}
}

func TestDelegator_IsAnAgent(t *testing.T) {
	d, _ := newDelegator(t, agents.Options{}, "a")

	// Valid input routes like a direct call.
	out, err := d.Execute(context.Background(), models.DelegationRequest{
		RequiredCapabilities: []string{"calc"},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result, ok := out.(models.DelegationResult); !ok || !result.Success {
		t.Errorf("Execute() = %v", out)
	}

	// Anything else is rejected up front.
	if err := d.ValidateInput("not a request"); err == nil {
		t.Error("ValidateInput(string) should fail")
	}
}
