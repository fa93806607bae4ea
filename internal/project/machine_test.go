package project_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/internal/project"
	"github.com/codeloom/codeloom/internal/store"
	"github.com/codeloom/codeloom/pkg/models"
)

const planJSON = `{"files":[{"path":"a.go"},{"path":"b.go","depends_on":["a.go"]}]}`

// scriptRunner stands in for the consensus engine in state machine tests.
type scriptRunner struct {
	mu        sync.Mutex
	calls     []*models.Task
	failPaths map[string]bool
	blockGen  bool
	planText  string
	consensus *models.ConsensusResult
	// gate, if set, holds the next matching non-transition call open until
	// closed; entered is closed when that call reaches the runner. An empty
	// gatePath matches any call.
	gate     chan struct{}
	entered  chan struct{}
	gatePath string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{failPaths: make(map[string]bool), planText: planJSON}
}

func (r *scriptRunner) Run(ctx context.Context, task *models.Task) (*bridge.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, task)
	fail := r.failPaths[task.TargetPath]
	block := r.blockGen
	plan := r.planText
	var gate, entered chan struct{}
	if r.gate != nil && task.Kind != models.TaskIdeate && task.Kind != models.TaskPlan &&
		(r.gatePath == "" || r.gatePath == task.TargetPath) {
		gate, entered = r.gate, r.entered
		r.gate, r.entered = nil, nil
	}
	r.mu.Unlock()

	switch task.Kind {
	case models.TaskIdeate:
		return &bridge.Result{TaskID: task.ID, Provider: "openai", Text: "a todo list service with persistence", Consensus: r.consensus}, nil
	case models.TaskPlan:
		return &bridge.Result{TaskID: task.ID, Provider: "openai", Text: plan}, nil
	default:
		if gate != nil {
			close(entered)
			<-gate
		}
		if block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if fail {
			return nil, errors.New("scripted generation failure")
		}
		return &bridge.Result{TaskID: task.ID, Provider: "openai", Text: "// contents of " + task.TargetPath}, nil
	}
}

func (r *scriptRunner) generated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.calls {
		if t.Kind == models.TaskGenerateFile {
			out = append(out, t.TargetPath)
		}
	}
	return out
}

func (r *scriptRunner) setFail(path string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPaths[path] = fail
}

func newMachine(r *scriptRunner) *project.Machine {
	return project.NewMachine(r, store.NewMemoryStore(), project.WithWorkers(2))
}

func toCoding(t *testing.T, m *project.Machine) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.SubmitIdea(ctx, "build me a todo app", models.ExecutionMode{}); err != nil {
		t.Fatalf("SubmitIdea: %v", err)
	}
	if _, err := m.FinalizePlan(ctx, ""); err != nil {
		t.Fatalf("FinalizePlan: %v", err)
	}
}

func runBuild(t *testing.T, m *project.Machine) {
	t.Helper()
	if err := m.StartBuild(context.Background()); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	waitBuild(t, m)
}

func waitBuild(t *testing.T, m *project.Machine) {
	t.Helper()
	select {
	case <-m.BuildDone():
	case <-time.After(5 * time.Second):
		t.Fatal("build did not finish in time")
	}
}

func fileStatus(t *testing.T, m *project.Machine, path string) models.FileStatus {
	t.Helper()
	n := m.Snapshot().FileTree.Find(path)
	if n == nil {
		t.Fatalf("file %s not in tree", path)
	}
	return n.Status
}

// ── Phase transitions ────────────────────────────────────────

func TestSubmitIdea_TransitionsToIdeation(t *testing.T) {
	m := newMachine(newScriptRunner())

	res, err := m.SubmitIdea(context.Background(), "build me a todo app", models.ExecutionMode{})
	if err != nil {
		t.Fatalf("SubmitIdea: %v", err)
	}
	if res.Text == "" {
		t.Error("empty ideation result")
	}
	if got := m.Phase(); got != models.PhaseIdeation {
		t.Errorf("Phase = %s, want %s", got, models.PhaseIdeation)
	}

	p := m.Snapshot()
	if p.IdeationResult == "" {
		t.Error("IdeationResult not recorded")
	}
	if len(p.ChatHistory) != 2 {
		t.Errorf("ChatHistory = %d messages, want user + assistant", len(p.ChatHistory))
	}
}

func TestSubmitIdea_ConsensusRecordedInHistory(t *testing.T) {
	r := newScriptRunner()
	r.consensus = &models.ConsensusResult{
		Responses:  []models.ConsensusResponse{{Provider: "openai"}, {Provider: "anthropic"}},
		Agreement:  models.AgreementHigh,
		Confidence: 92,
	}
	m := newMachine(r)

	if _, err := m.SubmitIdea(context.Background(), "a todo list", models.ExecutionMode{Kind: models.ModeConsensus}); err != nil {
		t.Fatalf("SubmitIdea: %v", err)
	}

	history := m.Snapshot().ChatHistory
	if len(history) != 3 {
		t.Fatalf("ChatHistory = %d messages, want user + assistant + consensus record", len(history))
	}
	last := history[2]
	if last.Role != "system" {
		t.Errorf("consensus record role = %q, want system", last.Role)
	}
	if !strings.Contains(last.Content, "high agreement") || !strings.Contains(last.Content, "confidence 92") {
		t.Errorf("consensus record content = %q", last.Content)
	}
}

func TestSubmitIdea_WrongPhaseRejected(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)

	_, err := m.SubmitIdea(context.Background(), "again", models.ExecutionMode{})
	var phase *project.ErrInvalidPhase
	if !errors.As(err, &phase) {
		t.Fatalf("SubmitIdea in coding = %v, want ErrInvalidPhase", err)
	}
}

func TestFinalizePlan_RequiresIdeation(t *testing.T) {
	m := newMachine(newScriptRunner())

	if _, err := m.FinalizePlan(context.Background(), ""); !errors.Is(err, project.ErrNoProject) {
		t.Errorf("FinalizePlan with no project = %v, want ErrNoProject", err)
	}
}

func TestFinalizePlan_CreatesPlannedTree(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)

	if got := m.Phase(); got != models.PhaseCoding {
		t.Fatalf("Phase = %s, want %s", got, models.PhaseCoding)
	}
	if got := fileStatus(t, m, "a.go"); got != models.FileStatusPlanned {
		t.Errorf("a.go status = %s, want planned", got)
	}
	if got := fileStatus(t, m, "b.go"); got != models.FileStatusPlanned {
		t.Errorf("b.go status = %s, want planned", got)
	}
}

func TestFinalizePlan_CyclicPlanRejected(t *testing.T) {
	r := newScriptRunner()
	r.planText = `{"files":[{"path":"a.go","depends_on":["b.go"]},{"path":"b.go","depends_on":["a.go"]}]}`
	m := newMachine(r)

	if _, err := m.SubmitIdea(context.Background(), "idea", models.ExecutionMode{}); err != nil {
		t.Fatalf("SubmitIdea: %v", err)
	}
	_, err := m.FinalizePlan(context.Background(), "")
	var cyc *project.ErrCyclicDependency
	if !errors.As(err, &cyc) {
		t.Fatalf("FinalizePlan = %v, want ErrCyclicDependency", err)
	}
	// A fatal plan leaves the project where it was.
	if got := m.Phase(); got != models.PhaseIdeation {
		t.Errorf("Phase after cyclic plan = %s, want %s", got, models.PhaseIdeation)
	}
}

func TestFinalizePlan_UnparseableResponse(t *testing.T) {
	r := newScriptRunner()
	r.planText = "I would rather write a poem."
	m := newMachine(r)

	m.SubmitIdea(context.Background(), "idea", models.ExecutionMode{})
	_, err := m.FinalizePlan(context.Background(), "")
	var pf *project.ErrPlanningFailed
	if !errors.As(err, &pf) {
		t.Fatalf("FinalizePlan = %v, want ErrPlanningFailed", err)
	}
	if got := m.Phase(); got != models.PhaseIdeation {
		t.Errorf("Phase = %s, want still %s", got, models.PhaseIdeation)
	}
}

// ── Builds ───────────────────────────────────────────────────

func TestBuild_DependencyOrder(t *testing.T) {
	r := newScriptRunner()
	m := newMachine(r)
	toCoding(t, m)
	runBuild(t, m)

	order := r.generated()
	if len(order) != 2 || order[0] != "a.go" || order[1] != "b.go" {
		t.Fatalf("generation order = %v, want a.go before its dependent", order)
	}
	if got := fileStatus(t, m, "a.go"); got != models.FileStatusGenerated {
		t.Errorf("a.go status = %s", got)
	}
	if got := fileStatus(t, m, "b.go"); got != models.FileStatusGenerated {
		t.Errorf("b.go status = %s", got)
	}
	if got := m.Phase(); got != models.PhaseDone {
		t.Errorf("Phase = %s, want derived %s", got, models.PhaseDone)
	}
}

func TestBuild_DependencyContentInPrompt(t *testing.T) {
	r := newScriptRunner()
	m := newMachine(r)
	toCoding(t, m)
	runBuild(t, m)

	r.mu.Lock()
	defer r.mu.Unlock()
	var bPrompt string
	for _, task := range r.calls {
		if task.Kind == models.TaskGenerateFile && task.TargetPath == "b.go" {
			bPrompt = task.Prompt
		}
	}
	if !strings.Contains(bPrompt, "// contents of a.go") {
		t.Error("generated dependency content missing from dependent's prompt")
	}
}

func TestBuild_FailedDependencyBlocksDependent(t *testing.T) {
	r := newScriptRunner()
	r.setFail("a.go", true)
	m := newMachine(r)
	toCoding(t, m)
	runBuild(t, m)

	if got := fileStatus(t, m, "a.go"); got != models.FileStatusFailed {
		t.Errorf("a.go status = %s, want failed", got)
	}
	if got := fileStatus(t, m, "b.go"); got != models.FileStatusPlanned {
		t.Errorf("b.go status = %s, want never attempted", got)
	}
	for _, p := range r.generated() {
		if p == "b.go" {
			t.Error("b.go was generated despite its failed dependency")
		}
	}
	if got := m.Phase(); got != models.PhaseCoding {
		t.Errorf("Phase = %s, want still %s", got, models.PhaseCoding)
	}
}

func TestRetryFile_ResumesAfterFix(t *testing.T) {
	r := newScriptRunner()
	r.setFail("a.go", true)
	m := newMachine(r)
	toCoding(t, m)
	runBuild(t, m)

	r.setFail("a.go", false)
	if err := m.RetryFile(context.Background(), "a.go"); err != nil {
		t.Fatalf("RetryFile: %v", err)
	}
	waitBuild(t, m)

	if got := fileStatus(t, m, "a.go"); got != models.FileStatusGenerated {
		t.Errorf("a.go status after retry = %s, want generated", got)
	}
	if got := fileStatus(t, m, "b.go"); got != models.FileStatusGenerated {
		t.Errorf("b.go status after retry = %s, want built once its dependency recovered", got)
	}
}

func TestRetryFile_DuringRunningBuild(t *testing.T) {
	r := newScriptRunner()
	r.planText = `{"files":[{"path":"a.go"},{"path":"z.go"}]}`
	r.setFail("a.go", true)
	m := project.NewMachine(r, store.NewMemoryStore(), project.WithWorkers(1))
	toCoding(t, m)

	// Hold z.go open so the build is still running once a.go has failed.
	r.mu.Lock()
	r.gate = make(chan struct{})
	r.entered = make(chan struct{})
	r.gatePath = "z.go"
	gate, entered := r.gate, r.entered
	r.mu.Unlock()

	if err := m.StartBuild(context.Background()); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("z.go generation never reached the runner")
	}
	if got := fileStatus(t, m, "a.go"); got != models.FileStatusFailed {
		t.Fatalf("a.go status = %s, want failed before retry", got)
	}

	r.setFail("a.go", false)
	if err := m.RetryFile(context.Background(), "a.go"); err != nil {
		t.Fatalf("RetryFile during build: %v", err)
	}
	close(gate)
	waitBuild(t, m)

	// The running build must pick the retry up itself; no second StartBuild.
	if got := fileStatus(t, m, "a.go"); got != models.FileStatusGenerated {
		t.Errorf("a.go status = %s, want generated by the same build", got)
	}
	if got := fileStatus(t, m, "z.go"); got != models.FileStatusGenerated {
		t.Errorf("z.go status = %s, want generated", got)
	}
}

func TestRetryFile_OnlyFailedFiles(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)
	runBuild(t, m)

	if err := m.RetryFile(context.Background(), "a.go"); err == nil {
		t.Error("retry of a generated file should be rejected")
	}
	if err := m.RetryFile(context.Background(), "nope.go"); err == nil {
		t.Error("retry of an unknown file should be rejected")
	}
}

func TestCancelBuild_SweepsInFlightFiles(t *testing.T) {
	r := newScriptRunner()
	r.blockGen = true
	m := newMachine(r)
	toCoding(t, m)

	if err := m.StartBuild(context.Background()); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	// Give the scheduler a beat to dispatch a.go.
	time.Sleep(50 * time.Millisecond)

	if !m.CancelBuild() {
		t.Fatal("CancelBuild returned false with a build running")
	}

	if got := fileStatus(t, m, "a.go"); got != models.FileStatusFailed {
		t.Errorf("a.go status = %s, want failed after cancellation", got)
	}
	n := m.Snapshot().FileTree.Find("a.go")
	if n.Error != project.ReasonCancelled {
		t.Errorf("a.go error = %q, want %q", n.Error, project.ReasonCancelled)
	}
	if m.Snapshot().BuildInProgress {
		t.Error("BuildInProgress still set after cancellation")
	}
}

func TestStartBuild_RejectsConcurrentBuild(t *testing.T) {
	r := newScriptRunner()
	r.blockGen = true
	m := newMachine(r)
	toCoding(t, m)

	if err := m.StartBuild(context.Background()); err != nil {
		t.Fatalf("StartBuild: %v", err)
	}
	defer m.CancelBuild()

	if err := m.StartBuild(context.Background()); !errors.Is(err, project.ErrBuildInProgress) {
		t.Errorf("second StartBuild = %v, want ErrBuildInProgress", err)
	}
}

func TestRefactor_RebuildsOnlySelectedFiles(t *testing.T) {
	r := newScriptRunner()
	m := newMachine(r)
	toCoding(t, m)
	runBuild(t, m)

	before := m.Snapshot().FileTree.Find("b.go").Content

	if err := m.Refactor(context.Background(), []string{"a.go"}); err != nil {
		t.Fatalf("Refactor: %v", err)
	}
	waitBuild(t, m)

	if got := fileStatus(t, m, "a.go"); got != models.FileStatusGenerated {
		t.Errorf("a.go status after refactor = %s", got)
	}
	if after := m.Snapshot().FileTree.Find("b.go").Content; after != before {
		t.Error("refactor of a.go touched b.go")
	}

	// Exactly one extra generation call, for the refactored file.
	gens := r.generated()
	if len(gens) != 3 || gens[2] != "a.go" {
		t.Errorf("generation calls = %v, want a single rebuild of a.go", gens)
	}
}

// ── Side tasks ───────────────────────────────────────────────

func TestRunSideTask_RequiresCodingPhase(t *testing.T) {
	m := newMachine(newScriptRunner())

	_, err := m.RunSideTask(context.Background(), &models.Task{Kind: models.TaskChat, Prompt: "hi"})
	if !errors.Is(err, project.ErrNoProject) {
		t.Errorf("side task with no project = %v, want ErrNoProject", err)
	}

	m.SubmitIdea(context.Background(), "idea", models.ExecutionMode{})
	_, err = m.RunSideTask(context.Background(), &models.Task{Kind: models.TaskChat, Prompt: "hi"})
	var phase *project.ErrInvalidPhase
	if !errors.As(err, &phase) {
		t.Errorf("side task in ideation = %v, want ErrInvalidPhase", err)
	}
}

func TestRunSideTask_ChatAppendsHistory(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)
	before := len(m.Snapshot().ChatHistory)

	if _, err := m.RunSideTask(context.Background(), &models.Task{Kind: models.TaskChat, Prompt: "explain a.go"}); err != nil {
		t.Fatalf("RunSideTask: %v", err)
	}
	if got := len(m.Snapshot().ChatHistory); got != before+2 {
		t.Errorf("ChatHistory grew by %d, want 2", got-before)
	}
}

func TestRunSideTask_MaterializesMigration(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)

	task := &models.Task{Kind: models.TaskDBMigration, Prompt: "users table", TargetPath: "migrations/0001_users.sql"}
	if _, err := m.RunSideTask(context.Background(), task); err != nil {
		t.Fatalf("RunSideTask: %v", err)
	}

	n := m.Snapshot().FileTree.Find("migrations/0001_users.sql")
	if n == nil {
		t.Fatal("migration file not materialized")
	}
	if n.Status != models.FileStatusGenerated || n.Content == "" {
		t.Errorf("migration node = %s/%q, want generated with content", n.Status, n.Content)
	}
}

// ── Snapshot & reset ─────────────────────────────────────────

func TestSnapshot_IsDeepCopy(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)

	snap := m.Snapshot()
	snap.FileTree.Find("a.go").Status = models.FileStatusGenerated
	snap.ChatHistory[0].Content = "tampered"

	if got := fileStatus(t, m, "a.go"); got != models.FileStatusPlanned {
		t.Error("mutating a snapshot leaked into the machine")
	}
	if m.Snapshot().ChatHistory[0].Content == "tampered" {
		t.Error("mutating snapshot chat history leaked into the machine")
	}
}

func TestReset(t *testing.T) {
	m := newMachine(newScriptRunner())
	toCoding(t, m)

	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.Snapshot() != nil {
		t.Error("Snapshot after reset should be nil")
	}
	if got := m.Phase(); got != models.PhaseIdeaInput {
		t.Errorf("Phase after reset = %s, want %s", got, models.PhaseIdeaInput)
	}

	// A fresh project can be started immediately.
	if _, err := m.SubmitIdea(context.Background(), "round two", models.ExecutionMode{}); err != nil {
		t.Errorf("SubmitIdea after reset: %v", err)
	}
}

func TestReset_DuringInflightSideTask(t *testing.T) {
	r := newScriptRunner()
	m := newMachine(r)
	toCoding(t, m)

	r.mu.Lock()
	r.gate = make(chan struct{})
	r.entered = make(chan struct{})
	gate, entered := r.gate, r.entered
	r.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := m.RunSideTask(context.Background(), &models.Task{Kind: models.TaskChat, Prompt: "explain a.go"})
		errc <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("side task never reached the runner")
	}
	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(gate)

	select {
	case err := <-errc:
		if !errors.Is(err, project.ErrNoProject) {
			t.Errorf("side task after reset = %v, want ErrNoProject", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("side task never returned")
	}
	if m.Snapshot() != nil {
		t.Error("Snapshot after reset should be nil")
	}
}

func TestResume_RecoversInterruptedBuild(t *testing.T) {
	st := store.NewMemoryStore()
	r := newScriptRunner()
	m := project.NewMachine(r, st, project.WithWorkers(2))
	toCoding(t, m)

	id := m.Snapshot().ID

	// Simulate a crash mid-build: persist a generating file directly.
	p, err := st.LoadProject(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	p.BuildInProgress = true
	p.FileTree.Find("a.go").Status = models.FileStatusGenerating
	if _, err := st.SaveProject(context.Background(), p); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}

	m2 := project.NewMachine(r, st, project.WithWorkers(2))
	if err := m2.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := fileStatus(t, m2, "a.go"); got != models.FileStatusFailed {
		t.Errorf("a.go after resume = %s, want failed", got)
	}
	if m2.Snapshot().BuildInProgress {
		t.Error("resumed project should not report a running build")
	}
}
