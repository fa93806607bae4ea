package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codeloom/codeloom/internal/agents"
	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/internal/health"
	"github.com/codeloom/codeloom/internal/provider"
	"github.com/codeloom/codeloom/pkg/models"
)

// fakeAdapter is a scriptable provider for router tests.
type fakeAdapter struct {
	name       string
	caps       []string
	configured bool

	mu    sync.Mutex
	calls int
	fn    func(calls int, req provider.Request) (*models.ProviderResponse, error)
}

func (f *fakeAdapter) Name() string           { return f.name }
func (f *fakeAdapter) Capabilities() []string { return f.caps }
func (f *fakeAdapter) IsConfigured() bool     { return f.configured }
func (f *fakeAdapter) Ping(context.Context) error {
	return nil
}

func (f *fakeAdapter) Execute(_ context.Context, req provider.Request) (*models.ProviderResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(n, req)
	}
	return &models.ProviderResponse{Text: f.name + " says ok"}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func codegen(name string) *fakeAdapter {
	return &fakeAdapter{name: name, caps: []string{models.CapCodeGen, models.CapChat}, configured: true}
}

func newFleet(adapters ...*fakeAdapter) (*bridge.Manager, *health.Monitor, *agents.Registry) {
	reg := provider.NewRegistry()
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		reg.Register(a)
		names = append(names, a.name)
	}
	hm := health.NewMonitor(reg)
	ar := agents.NewRegistry(names)
	m := bridge.NewManager(reg, hm, ar, bridge.WithRateLimitCooldown(time.Millisecond))
	return m, hm, ar
}

func genTask() *models.Task {
	return &models.Task{ID: "t1", Kind: models.TaskGenerateFile, Prompt: "write it"}
}

func upstreamErr(name string, kind provider.Kind) error {
	return &provider.Error{Provider: name, Kind: kind, Message: "scripted failure"}
}

// ── Routing ──────────────────────────────────────────────────

func TestRoute_FiltersByCapability(t *testing.T) {
	alpha := codegen("alpha")
	vision := &fakeAdapter{name: "eyes", caps: []string{models.CapVision}, configured: true}
	m, _, _ := newFleet(alpha, vision)

	got := m.Route(genTask())
	if len(got) != 1 || got[0] != "alpha" {
		t.Errorf("Route = %v, want [alpha]", got)
	}
}

func TestRoute_FiltersUnconfigured(t *testing.T) {
	alpha := codegen("alpha")
	beta := codegen("beta")
	beta.configured = false
	m, _, _ := newFleet(alpha, beta)

	got := m.Route(genTask())
	if len(got) != 1 || got[0] != "alpha" {
		t.Errorf("Route = %v, want [alpha]", got)
	}
}

func TestRoute_HealthClassBeatsTrust(t *testing.T) {
	alpha := codegen("alpha")
	beta := codegen("beta")
	m, hm, ar := newFleet(alpha, beta)

	// Alpha has sky-high trust but a degraded window; beta stays healthy.
	for i := 0; i < 10; i++ {
		ar.RecordOutcome(agents.RoleCoder, "alpha", true)
	}
	for i := 0; i < 5; i++ {
		hm.Report("alpha", health.OutcomeSuccess, time.Millisecond)
		hm.Report("alpha", health.OutcomeFailure, time.Millisecond)
	}

	got := m.Route(genTask())
	if len(got) != 2 || got[0] != "beta" {
		t.Errorf("Route = %v, want beta ranked first", got)
	}
}

func TestRoute_TrustBreaksTies(t *testing.T) {
	alpha := codegen("alpha")
	beta := codegen("beta")
	m, _, ar := newFleet(alpha, beta)

	ar.RecordOutcome(agents.RoleCoder, "beta", true)

	got := m.Route(genTask())
	if len(got) != 2 || got[0] != "beta" {
		t.Errorf("Route = %v, want beta ranked first on trust", got)
	}
}

func TestRoute_UnavailableExcludedUnlessSoleMatch(t *testing.T) {
	alpha := codegen("alpha")
	beta := codegen("beta")
	m, hm, _ := newFleet(alpha, beta)

	for i := 0; i < 10; i++ {
		hm.Report("alpha", health.OutcomeFailure, time.Millisecond)
	}

	got := m.Route(genTask())
	if len(got) != 1 || got[0] != "beta" {
		t.Fatalf("Route = %v, want unavailable alpha excluded", got)
	}

	// With beta gone, alpha is the only capability match and comes back.
	solo, hmSolo, _ := newFleet(alpha)
	for i := 0; i < 10; i++ {
		hmSolo.Report("alpha", health.OutcomeFailure, time.Millisecond)
	}
	if got := solo.Route(genTask()); len(got) != 1 || got[0] != "alpha" {
		t.Errorf("Route = %v, want sole unavailable match to remain routable", got)
	}
}

// ── Execution ────────────────────────────────────────────────

func TestExecute_FallsBackToNextProvider(t *testing.T) {
	alpha := codegen("alpha")
	alpha.fn = func(int, provider.Request) (*models.ProviderResponse, error) {
		return nil, upstreamErr("alpha", provider.KindUpstream5xx)
	}
	beta := codegen("beta")
	m, hm, ar := newFleet(alpha, beta)
	// Keep the ranked order deterministic: alpha first.
	ar.RecordOutcome(agents.RoleCoder, "alpha", true)

	res, err := m.Execute(context.Background(), genTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("Provider = %s, want beta", res.Provider)
	}

	// The failed attempt left its mark on health and trust.
	if snap := hm.Snapshot()["alpha"]; snap.Failures != 1 {
		t.Errorf("alpha failures = %d, want 1", snap.Failures)
	}
	if got := ar.Trust(agents.RoleCoder, "alpha"); got >= 0.55 {
		t.Errorf("alpha trust = %v, want decreased by the failure", got)
	}
	if got := ar.Trust(agents.RoleCoder, "beta"); got <= 0.5 {
		t.Errorf("beta trust = %v, want increased by the success", got)
	}
}

func TestExecute_BoundedAttempts(t *testing.T) {
	fail := func(name string) *fakeAdapter {
		a := codegen(name)
		a.fn = func(int, provider.Request) (*models.ProviderResponse, error) {
			return nil, upstreamErr(name, provider.KindUpstream5xx)
		}
		return a
	}
	alpha, beta, gamma := fail("alpha"), fail("beta"), fail("gamma")

	reg := provider.NewRegistry()
	for _, a := range []*fakeAdapter{alpha, beta, gamma} {
		reg.Register(a)
	}
	hm := health.NewMonitor(reg)
	ar := agents.NewRegistry([]string{"alpha", "beta", "gamma"})
	m := bridge.NewManager(reg, hm, ar, bridge.WithMaxAttempts(2))

	_, err := m.Execute(context.Background(), genTask())
	var all *bridge.AllProvidersFailed
	if !errors.As(err, &all) {
		t.Fatalf("Execute error = %v, want AllProvidersFailed", err)
	}
	if len(all.Attempts) != 2 {
		t.Errorf("attempts = %d, want bound at 2", len(all.Attempts))
	}
	if alpha.callCount()+beta.callCount()+gamma.callCount() != 2 {
		t.Errorf("total provider calls = %d, want 2",
			alpha.callCount()+beta.callCount()+gamma.callCount())
	}
}

func TestExecute_NoCandidates(t *testing.T) {
	vision := &fakeAdapter{name: "eyes", caps: []string{models.CapVision}, configured: true}
	m, _, _ := newFleet(vision)

	_, err := m.Execute(context.Background(), genTask())
	var nc *bridge.ErrNoCandidates
	if !errors.As(err, &nc) {
		t.Fatalf("Execute error = %v, want ErrNoCandidates", err)
	}
}

func TestExecute_SoleCandidateRetriesRateLimit(t *testing.T) {
	alpha := codegen("alpha")
	alpha.fn = func(calls int, _ provider.Request) (*models.ProviderResponse, error) {
		if calls == 1 {
			return nil, &provider.Error{Provider: "alpha", Kind: provider.KindRateLimited, Status: 429}
		}
		return &models.ProviderResponse{Text: "finally"}, nil
	}
	m, _, _ := newFleet(alpha)

	res, err := m.Execute(context.Background(), genTask())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "finally" {
		t.Errorf("Text = %q, want retry to have succeeded", res.Text)
	}
	if alpha.callCount() != 2 {
		t.Errorf("calls = %d, want 2", alpha.callCount())
	}
}

func TestExecute_SoleCandidatePermanentFailure(t *testing.T) {
	alpha := codegen("alpha")
	alpha.fn = func(int, provider.Request) (*models.ProviderResponse, error) {
		return nil, upstreamErr("alpha", provider.KindUpstream4xx)
	}
	m, _, _ := newFleet(alpha)

	_, err := m.Execute(context.Background(), genTask())
	var all *bridge.AllProvidersFailed
	if !errors.As(err, &all) {
		t.Fatalf("Execute error = %v, want AllProvidersFailed", err)
	}
	if alpha.callCount() != 1 {
		t.Errorf("calls = %d, want no retry on a 4xx", alpha.callCount())
	}
}

func TestExecute_CachesChatResponses(t *testing.T) {
	alpha := codegen("alpha")
	reg := provider.NewRegistry()
	reg.Register(alpha)
	hm := health.NewMonitor(reg)
	ar := agents.NewRegistry([]string{"alpha"})
	m := bridge.NewManager(reg, hm, ar, bridge.WithCacheSize(8))

	task := &models.Task{ID: "c1", Kind: models.TaskChat, Prompt: "what does this do"}
	first, err := m.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first.Cached {
		t.Error("first response should not be cached")
	}

	again := &models.Task{ID: "c2", Kind: models.TaskChat, Prompt: "what does this do"}
	second, err := m.Execute(context.Background(), again)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !second.Cached {
		t.Error("identical chat prompt should hit the cache")
	}
	if second.TaskID != "c2" {
		t.Errorf("cached TaskID = %s, want rebound to c2", second.TaskID)
	}
	if alpha.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", alpha.callCount())
	}
}

func TestExecute_GenerationNeverCached(t *testing.T) {
	alpha := codegen("alpha")
	reg := provider.NewRegistry()
	reg.Register(alpha)
	m := bridge.NewManager(reg, health.NewMonitor(reg), agents.NewRegistry([]string{"alpha"}),
		bridge.WithCacheSize(8))

	for i := 0; i < 2; i++ {
		if _, err := m.Execute(context.Background(), genTask()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if alpha.callCount() != 2 {
		t.Errorf("provider calls = %d, want generation to bypass the cache", alpha.callCount())
	}
}
