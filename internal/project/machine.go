// Package project owns the build state machine: phase transitions, the
// generated file tree, and dependency-aware scheduling of per-file
// generation through the bridge.
//
// The machine is the single writer for all project state. Workers never
// touch the tree directly — every mutation funnels through a machine method
// under one mutex, and everything handed out is a deep copy.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/agents"
	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/internal/store"
	"github.com/codeloom/codeloom/pkg/models"
)

// Runner executes tasks against the provider fleet. The consensus engine
// satisfies this; tests substitute scripted runners.
type Runner interface {
	Run(ctx context.Context, task *models.Task) (*bridge.Result, error)
}

// DefaultWorkers bounds concurrent file generation. Small on purpose — the
// limit exists to respect provider rate limits, not to saturate them.
const DefaultWorkers = 3

// ErrTransitionInFlight is returned when a phase transition is requested
// while another one is still running.
var ErrTransitionInFlight = errors.New("another phase transition is in flight")

// Machine is the project build state machine.
type Machine struct {
	mu     sync.Mutex
	runner Runner
	store  store.Store
	agents *agents.Registry

	workers int

	project *models.Project
	files   map[string]*models.FileNode
	retry   map[string]bool

	transitioning bool
	buildCancel   context.CancelFunc
	buildDone     chan struct{}

	tasks map[string]*taskRecord
}

// MachineOption configures the machine.
type MachineOption func(*Machine)

// WithWorkers sets the generation worker count.
func WithWorkers(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithAgents lets the machine snapshot agent configs into saved projects.
func WithAgents(reg *agents.Registry) MachineOption {
	return func(m *Machine) { m.agents = reg }
}

// NewMachine creates a machine over the given runner and store.
func NewMachine(runner Runner, st store.Store, opts ...MachineOption) *Machine {
	m := &Machine{
		runner:  runner,
		store:   st,
		workers: DefaultWorkers,
		retry:   make(map[string]bool),
		tasks:   make(map[string]*taskRecord),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Resume loads the persisted project, if any. Files stuck in generating from
// a previous process are marked failed so the build can be retried cleanly.
func (m *Machine) Resume(ctx context.Context, projectID string) error {
	p, err := m.store.LoadProject(ctx, projectID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("load project: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p.BuildInProgress = false
	m.project = p
	m.reindexLocked()
	for _, n := range m.files {
		if n.Status == models.FileStatusGenerating {
			n.Status = models.FileStatusFailed
			n.Error = "interrupted by restart"
		}
	}
	log.Info().Str("project", p.ID).Str("phase", string(p.Phase)).Msg("project resumed")
	return nil
}

// ── Phase transitions ────────────────────────────────────────

// SubmitIdea runs the ideate task and moves the project from idea_input to
// ideation. The project is created on first submission. On failure the
// project stays in idea_input.
func (m *Machine) SubmitIdea(ctx context.Context, prompt string, mode models.ExecutionMode) (*bridge.Result, error) {
	m.mu.Lock()
	if m.project == nil {
		m.project = newProject()
		log.Info().Str("project", m.project.ID).Msg("project created")
	}
	if m.project.Phase != models.PhaseIdeaInput {
		defer m.mu.Unlock()
		return nil, &ErrInvalidPhase{Op: "submit idea", Current: m.phaseLocked(), Needs: models.PhaseIdeaInput}
	}
	if m.transitioning {
		m.mu.Unlock()
		return nil, ErrTransitionInFlight
	}
	m.transitioning = true
	projID := m.project.ID
	task := &models.Task{
		ID:        uuid.NewString(),
		Kind:      models.TaskIdeate,
		Prompt:    prompt,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	res, err := m.runner.Run(ctx, task)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitioning = false

	if !m.sameProjectLocked(projID) {
		return nil, ErrNoProject
	}
	if err != nil {
		log.Warn().Err(err).Msg("ideation task failed")
		return nil, &ErrIdeationFailed{Cause: err}
	}

	m.project.IdeationResult = res.Text
	m.project.Phase = models.PhaseIdeation
	m.appendChatLocked("user", prompt, models.TaskIdeate, "")
	m.appendChatLocked("assistant", res.Text, models.TaskIdeate, res.Provider)
	m.appendConsensusLocked(res, models.TaskIdeate)
	m.saveLocked(ctx)

	log.Info().Str("project", m.project.ID).Str("provider", res.Provider).Msg("ideation complete")
	return res, nil
}

// FinalizePlan runs the plan task, parses the planned file list, rejects
// cyclic dependencies, and moves the project into coding with every planned
// file created in planned status. On failure the project stays in ideation.
func (m *Machine) FinalizePlan(ctx context.Context, prompt string) (*bridge.Result, error) {
	m.mu.Lock()
	if m.project == nil {
		m.mu.Unlock()
		return nil, ErrNoProject
	}
	if m.project.Phase != models.PhaseIdeation {
		defer m.mu.Unlock()
		return nil, &ErrInvalidPhase{Op: "finalize plan", Current: m.phaseLocked(), Needs: models.PhaseIdeation}
	}
	if m.transitioning {
		m.mu.Unlock()
		return nil, ErrTransitionInFlight
	}
	m.transitioning = true
	projID := m.project.ID
	planPrompt := prompt
	if planPrompt == "" {
		planPrompt = "Plan the file tree for this project:\n\n" + m.project.IdeationResult
	}
	task := &models.Task{
		ID:        uuid.NewString(),
		Kind:      models.TaskPlan,
		Prompt:    planPrompt,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	res, runErr := m.runner.Run(ctx, task)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitioning = false

	if !m.sameProjectLocked(projID) {
		return nil, ErrNoProject
	}
	if runErr != nil {
		log.Warn().Err(runErr).Msg("plan task failed")
		return nil, &ErrPlanningFailed{Cause: runErr}
	}

	files, err := parsePlan(res.Text)
	if err != nil {
		return nil, &ErrPlanningFailed{Cause: err}
	}
	if err := checkCycles(files); err != nil {
		// Cyclic plans are fatal and need a fresh plan, not a retry.
		return nil, err
	}

	m.project.FileTree = buildTree(files)
	m.project.Phase = models.PhaseCoding
	m.reindexLocked()
	m.appendChatLocked("assistant", res.Text, models.TaskPlan, res.Provider)
	m.appendConsensusLocked(res, models.TaskPlan)
	m.saveLocked(ctx)

	log.Info().
		Str("project", m.project.ID).
		Int("files", len(m.files)).
		Str("provider", res.Provider).
		Msg("plan accepted, project entering coding phase")
	return res, nil
}

// ── Coding-phase operations ──────────────────────────────────

// RetryFile marks a failed file for regeneration. If no build is running one
// is started; a running build picks the file up on its next pass.
func (m *Machine) RetryFile(ctx context.Context, path string) error {
	m.mu.Lock()
	if err := m.requireCodingLocked("retry file"); err != nil {
		m.mu.Unlock()
		return err
	}
	n, ok := m.files[path]
	if !ok {
		m.mu.Unlock()
		return &ErrUnknownFile{Path: path}
	}
	if n.Status != models.FileStatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("file %s is %s, only failed files can be retried", path, n.Status)
	}
	m.retry[path] = true
	running := m.project.BuildInProgress
	m.mu.Unlock()

	if running {
		return nil
	}
	return m.StartBuild(ctx)
}

// Refactor re-enters planned status for the selected files, clearing their
// prior content, and re-runs the build. Unrelated generated files are left
// untouched.
func (m *Machine) Refactor(ctx context.Context, paths []string) error {
	m.mu.Lock()
	if err := m.requireCodingLocked("refactor"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.project.BuildInProgress {
		m.mu.Unlock()
		return ErrBuildInProgress
	}
	for _, p := range paths {
		n, ok := m.files[p]
		if !ok {
			m.mu.Unlock()
			return &ErrUnknownFile{Path: p}
		}
		n.Status = models.FileStatusPlanned
		n.Content = ""
		n.Error = ""
	}
	m.saveLocked(ctx)
	m.mu.Unlock()

	log.Info().Int("files", len(paths)).Msg("refactor requested")
	return m.StartBuild(ctx)
}

// RunSideTask executes a coding-phase side task (chat, cicd, db_migration,
// api_client, run_tests, security_audit). The result is appended to chat
// history; kinds that produce a file materialize a new generated FileNode.
func (m *Machine) RunSideTask(ctx context.Context, task *models.Task) (*bridge.Result, error) {
	m.mu.Lock()
	if err := m.requireCodingLocked(string(task.Kind)); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	projID := m.project.ID
	m.mu.Unlock()

	res, err := m.runner.Run(ctx, task)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sameProjectLocked(projID) {
		return nil, ErrNoProject
	}
	if err != nil {
		return nil, err
	}

	m.appendChatLocked("user", task.Prompt, task.Kind, "")
	m.appendChatLocked("assistant", res.Text, task.Kind, res.Provider)
	m.appendConsensusLocked(res, task.Kind)

	if target := materializedPath(task); target != "" {
		m.materializeLocked(target, res.Text)
		log.Info().Str("path", target).Str("kind", string(task.Kind)).Msg("side task materialized file")
	}
	m.saveLocked(ctx)
	return res, nil
}

// RegenerateFile explicitly regenerates one file, including generated ones —
// the only path by which a generated file re-enters generation.
func (m *Machine) RegenerateFile(ctx context.Context, task *models.Task) (*bridge.Result, error) {
	m.mu.Lock()
	if err := m.requireCodingLocked("regenerate file"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.project.BuildInProgress {
		m.mu.Unlock()
		return nil, ErrBuildInProgress
	}
	n, ok := m.files[task.TargetPath]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrUnknownFile{Path: task.TargetPath}
	}
	n.Status = models.FileStatusGenerating
	n.Error = ""
	genTask := m.generationTaskLocked(task.TargetPath)
	if task.Prompt != "" {
		genTask.Prompt = genTask.Prompt + "\n\nAdditional instructions:\n" + task.Prompt
	}
	genTask.Mode = task.Mode
	projID := m.project.ID
	m.mu.Unlock()

	res, err := m.runner.Run(ctx, genTask)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sameProjectLocked(projID) {
		return nil, ErrNoProject
	}
	if err != nil {
		n.Status = models.FileStatusFailed
		n.Error = failureReason(ctx, err)
		m.saveLocked(ctx)
		return nil, err
	}
	n.Status = models.FileStatusGenerated
	n.Content = res.Text
	n.Error = ""
	m.appendChatLocked("system", "regenerated "+task.TargetPath, models.TaskGenerateFile, res.Provider)
	m.saveLocked(ctx)
	return res, nil
}

// Reset destroys the active project.
func (m *Machine) Reset(ctx context.Context) error {
	m.CancelBuild()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.project == nil {
		return nil
	}
	id := m.project.ID
	if err := m.store.DeleteProject(ctx, id); err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return fmt.Errorf("delete project: %w", err)
		}
	}
	m.project = nil
	m.files = nil
	m.retry = make(map[string]bool)
	log.Info().Str("project", id).Msg("project reset")
	return nil
}

// ── Reads ────────────────────────────────────────────────────

// Snapshot returns a deep copy of the project. The phase reported is the
// derived one: coding flips to done once every file is generated.
func (m *Machine) Snapshot() *models.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.project == nil {
		return nil
	}
	cp := m.project.Clone()
	cp.Phase = m.phaseLocked()
	if m.agents != nil {
		cp.Agents = m.agents.Snapshot()
	}
	return cp
}

// Phase returns the derived current phase.
func (m *Machine) Phase() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.project == nil {
		return models.PhaseIdeaInput
	}
	return m.phaseLocked()
}

// phaseLocked derives done from file statuses rather than storing it, so the
// stored phase can never drift from the tree.
func (m *Machine) phaseLocked() models.Phase {
	p := m.project.Phase
	if p != models.PhaseCoding || len(m.files) == 0 || m.project.BuildInProgress {
		return p
	}
	for _, n := range m.files {
		if n.Status != models.FileStatusGenerated {
			return p
		}
	}
	return models.PhaseDone
}

// ── Internal helpers ─────────────────────────────────────────

func newProject() *models.Project {
	now := time.Now().UTC()
	return &models.Project{
		ID:        uuid.NewString(),
		Phase:     models.PhaseIdeaInput,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// sameProjectLocked reports whether the project that was active when the
// lock was last released still is. Reset can destroy it while a runner call
// is in flight; callers re-check before touching project state.
func (m *Machine) sameProjectLocked(id string) bool {
	return m.project != nil && m.project.ID == id
}

func (m *Machine) requireCodingLocked(op string) error {
	if m.project == nil {
		return ErrNoProject
	}
	if m.project.Phase != models.PhaseCoding {
		return &ErrInvalidPhase{Op: op, Current: m.phaseLocked(), Needs: models.PhaseCoding}
	}
	return nil
}

// reindexLocked rebuilds the flat path index over file-kind nodes.
func (m *Machine) reindexLocked() {
	m.files = make(map[string]*models.FileNode)
	if m.project == nil || m.project.FileTree == nil {
		return
	}
	m.project.FileTree.Walk(func(n *models.FileNode) {
		if n.Kind == models.FileKindFile {
			m.files[n.Path] = n
		}
	})
}

func (m *Machine) appendChatLocked(role, content string, kind models.TaskKind, provider string) {
	m.project.ChatHistory = append(m.project.ChatHistory, models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		TaskKind:  kind,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	})
}

// appendConsensusLocked records the agreement summary of a consensus run in
// the project history so the decision trail survives alongside the answer.
func (m *Machine) appendConsensusLocked(res *bridge.Result, kind models.TaskKind) {
	if res == nil || res.Consensus == nil {
		return
	}
	c := res.Consensus
	summary := fmt.Sprintf("consensus: %s agreement across %d providers, confidence %d, variance %.2f",
		c.Agreement, len(c.Responses), c.Confidence, c.Variance)
	m.appendChatLocked("system", summary, kind, res.Provider)
}

// saveLocked persists the current project. Persistence failures are logged,
// not fatal — the in-memory machine stays authoritative for the session.
func (m *Machine) saveLocked(ctx context.Context) {
	if m.project == nil {
		return
	}
	m.project.UpdatedAt = time.Now().UTC()
	if m.agents != nil {
		m.project.Agents = m.agents.Snapshot()
	}
	v, err := m.store.SaveProject(ctx, m.project)
	if err != nil {
		log.Warn().Err(err).Str("project", m.project.ID).Msg("failed to persist project state")
		return
	}
	m.project.Version = v
}

// materializeLocked inserts or replaces a generated file at path, creating
// parent directories as needed.
func (m *Machine) materializeLocked(path, content string) {
	if m.project.FileTree == nil {
		m.project.FileTree = &models.FileNode{Path: "", Kind: models.FileKindDirectory}
	}
	if n, ok := m.files[path]; ok {
		n.Status = models.FileStatusGenerated
		n.Content = content
		n.Error = ""
		return
	}
	merged := buildTree([]plannedFile{{Path: path}})
	graft(m.project.FileTree, merged)
	m.reindexLocked()
	if n, ok := m.files[path]; ok {
		n.Status = models.FileStatusGenerated
		n.Content = content
	}
}

// graft merges src's children into dst, reusing existing directories.
func graft(dst, src *models.FileNode) {
	for _, child := range src.Children {
		var existing *models.FileNode
		for _, c := range dst.Children {
			if c.Path == child.Path {
				existing = c
				break
			}
		}
		if existing == nil {
			dst.Children = append(dst.Children, child)
			continue
		}
		if existing.Kind == models.FileKindDirectory && child.Kind == models.FileKindDirectory {
			graft(existing, child)
		}
	}
}

// materializedPath returns where a side task's output lands in the tree, or
// "" for kinds that only produce chat.
func materializedPath(task *models.Task) string {
	if task.TargetPath != "" {
		switch task.Kind {
		case models.TaskCICD, models.TaskDBMigration, models.TaskAPIClient:
			return task.TargetPath
		}
		return ""
	}
	switch task.Kind {
	case models.TaskCICD:
		return ".github/workflows/ci.yml"
	case models.TaskDBMigration:
		return "migrations/0001_init.sql"
	case models.TaskAPIClient:
		return "client/api.gen.go"
	default:
		return ""
	}
}

// failureReason maps an execution error to the reason recorded on the node.
func failureReason(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return err.Error()
}

// generationTaskLocked builds the generate_file task for one path, with the
// ideation summary and already-generated dependency contents as context.
func (m *Machine) generationTaskLocked(path string) *models.Task {
	var b strings.Builder
	b.WriteString("Project context:\n")
	b.WriteString(m.project.IdeationResult)
	b.WriteString("\n\nGenerate the complete content of the file: ")
	b.WriteString(path)

	if n, ok := m.files[path]; ok && len(n.DependsOn) > 0 {
		b.WriteString("\n\nThis file depends on the following already generated files:\n")
		for _, dep := range n.DependsOn {
			if d, ok := m.files[dep]; ok && d.Status == models.FileStatusGenerated {
				b.WriteString("\n== " + dep + " ==\n")
				b.WriteString(d.Content)
				b.WriteString("\n")
			}
		}
	}

	return &models.Task{
		ID:         uuid.NewString(),
		Kind:       models.TaskGenerateFile,
		Prompt:     b.String(),
		TargetPath: path,
		CreatedAt:  time.Now().UTC(),
	}
}
