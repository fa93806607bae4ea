package consensus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/codeloom/codeloom/internal/agents"
	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/internal/consensus"
	"github.com/codeloom/codeloom/internal/health"
	"github.com/codeloom/codeloom/internal/provider"
	"github.com/codeloom/codeloom/pkg/models"
)

type fakeAdapter struct {
	name string
	text string
	err  error

	mu    sync.Mutex
	calls int
}

func (f *fakeAdapter) Name() string               { return f.name }
func (f *fakeAdapter) Capabilities() []string     { return []string{models.CapChat, models.CapCodeGen} }
func (f *fakeAdapter) IsConfigured() bool         { return true }
func (f *fakeAdapter) Ping(context.Context) error { return nil }

func (f *fakeAdapter) Execute(context.Context, provider.Request) (*models.ProviderResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.ProviderResponse{Text: f.text}, nil
}

func newEngine(t *testing.T, adapters ...*fakeAdapter) *consensus.Engine {
	t.Helper()
	reg := provider.NewRegistry()
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		reg.Register(a)
		names = append(names, a.name)
	}
	hm := health.NewMonitor(reg)
	ar := agents.NewRegistry(names)
	return consensus.NewEngine(bridge.NewManager(reg, hm, ar))
}

func consensusTask(fanout int) *models.Task {
	return &models.Task{
		ID:     "ct1",
		Kind:   models.TaskChat,
		Prompt: "settle this",
		Mode:   models.ExecutionMode{Kind: models.ModeConsensus, Fanout: fanout},
	}
}

func TestExecute_TwoOfThreeIdentical(t *testing.T) {
	e := newEngine(t,
		&fakeAdapter{name: "alpha", text: "the answer is blue"},
		&fakeAdapter{name: "beta", text: "the answer is blue"},
		&fakeAdapter{name: "gamma", err: &provider.Error{Provider: "gamma", Kind: provider.KindUpstream5xx}},
	)

	cr, top, err := e.Execute(context.Background(), consensusTask(3), 3)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cr.Agreement != models.AgreementHigh {
		t.Errorf("Agreement = %s, want %s", cr.Agreement, models.AgreementHigh)
	}
	if cr.Confidence != 100 {
		t.Errorf("Confidence = %d, want 100", cr.Confidence)
	}
	if cr.Variance != 0 {
		t.Errorf("Variance = %v, want 0", cr.Variance)
	}
	if cr.Synthesized != "the answer is blue" {
		t.Errorf("Synthesized = %q", cr.Synthesized)
	}
	if top.Provider != "alpha" {
		t.Errorf("top provider = %s, want highest-ranked success", top.Provider)
	}
	if len(cr.Responses) != 3 {
		t.Fatalf("Responses = %d, want all attempts recorded", len(cr.Responses))
	}
	if cr.Responses[2].Err == "" {
		t.Error("failed attempt should carry its error")
	}
}

func TestExecute_BelowQuorum(t *testing.T) {
	boom := &provider.Error{Provider: "x", Kind: provider.KindUpstream5xx, Message: "down"}
	e := newEngine(t,
		&fakeAdapter{name: "alpha", text: "only me"},
		&fakeAdapter{name: "beta", err: boom},
		&fakeAdapter{name: "gamma", err: boom},
	)

	cr, top, err := e.Execute(context.Background(), consensusTask(3), 3)
	var quorum *consensus.ErrInsufficientQuorum
	if !errors.As(err, &quorum) {
		t.Fatalf("Execute error = %v, want ErrInsufficientQuorum", err)
	}
	if quorum.Succeeded != 1 || quorum.Quorum != 2 {
		t.Errorf("quorum error = %d/%d, want 1 succeeded of quorum 2", quorum.Succeeded, quorum.Quorum)
	}
	if cr != nil || top != nil {
		t.Error("no result should be produced below quorum")
	}
}

func TestExecute_DisagreementLowersAgreement(t *testing.T) {
	e := newEngine(t,
		&fakeAdapter{name: "alpha", text: "completely original take"},
		&fakeAdapter{name: "beta", text: "unrelated different answer"},
		&fakeAdapter{name: "gamma", text: "third opinion entirely novel"},
	)

	cr, _, err := e.Execute(context.Background(), consensusTask(3), 3)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cr.Agreement != models.AgreementLow {
		t.Errorf("Agreement = %s, want %s", cr.Agreement, models.AgreementLow)
	}
	if cr.Confidence != 0 {
		t.Errorf("Confidence = %d, want 0 for disjoint answers", cr.Confidence)
	}
}

func TestExecute_FanoutTruncatedToCandidates(t *testing.T) {
	e := newEngine(t,
		&fakeAdapter{name: "alpha", text: "same"},
		&fakeAdapter{name: "beta", text: "same"},
	)

	cr, _, err := e.Execute(context.Background(), consensusTask(5), 5)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(cr.Responses) != 2 {
		t.Errorf("Responses = %d, want truncated to available candidates", len(cr.Responses))
	}
}

func TestRun_SingleModeBypassesConsensus(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha", text: "solo"}
	e := newEngine(t, alpha, &fakeAdapter{name: "beta", text: "never asked"})

	task := &models.Task{ID: "s1", Kind: models.TaskGenerateFile, Prompt: "write"}
	res, err := e.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Consensus != nil {
		t.Error("single mode should not produce a consensus result")
	}
	if res.Text != "solo" {
		t.Errorf("Text = %q, want first-ranked provider's answer", res.Text)
	}
}

func TestRun_ConsensusModeAttachesResult(t *testing.T) {
	e := newEngine(t,
		&fakeAdapter{name: "alpha", text: "agreed"},
		&fakeAdapter{name: "beta", text: "agreed"},
		&fakeAdapter{name: "gamma", text: "agreed"},
	)

	res, err := e.Run(context.Background(), consensusTask(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Consensus == nil {
		t.Fatal("consensus mode should attach the consensus result")
	}
	if res.Text != "agreed" {
		t.Errorf("Text = %q, want synthesized answer", res.Text)
	}
	if res.Consensus.Agreement != models.AgreementHigh {
		t.Errorf("Agreement = %s, want %s", res.Consensus.Agreement, models.AgreementHigh)
	}
}
