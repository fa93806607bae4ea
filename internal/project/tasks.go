package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/pkg/models"
)

// TaskState is the lifecycle of a submitted task. Every accepted submission
// reaches exactly one terminal state: succeeded or failed.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is the externally visible view of a submitted task.
type TaskStatus struct {
	ID         string         `json:"id"`
	Kind       models.TaskKind `json:"kind"`
	State      TaskState      `json:"state"`
	Result     *bridge.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

type taskRecord struct {
	status TaskStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// ErrTaskRejected marks submissions refused before any work started.
type ErrTaskRejected struct {
	Cause error
}

func (e *ErrTaskRejected) Error() string { return "task rejected: " + e.Cause.Error() }
func (e *ErrTaskRejected) Unwrap() error { return e.Cause }

// SubmitTask validates the task against the current phase and runs it
// asynchronously. Rejections are synchronous errors; accepted tasks are
// tracked until they reach a terminal state.
func (m *Machine) SubmitTask(task *models.Task) (string, error) {
	if task.Kind == "" {
		return "", &ErrTaskRejected{Cause: errors.New("task kind is required")}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	if err := m.validateKindLocked(task); err != nil {
		m.mu.Unlock()
		return "", &ErrTaskRejected{Cause: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &taskRecord{
		status: TaskStatus{
			ID:        task.ID,
			Kind:      task.Kind,
			State:     TaskPending,
			CreatedAt: task.CreatedAt,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tasks[task.ID] = rec
	m.mu.Unlock()

	log.Info().Str("task", task.ID).Str("kind", string(task.Kind)).Msg("task accepted")
	go m.runTask(ctx, task)
	return task.ID, nil
}

// validateKindLocked checks phase legality for a task kind before any work
// starts. Ideate is always legal; it creates the project.
func (m *Machine) validateKindLocked(task *models.Task) error {
	switch task.Kind {
	case models.TaskIdeate:
		if m.project != nil && m.project.Phase != models.PhaseIdeaInput {
			return &ErrInvalidPhase{Op: "submit idea", Current: m.phaseLocked(), Needs: models.PhaseIdeaInput}
		}
	case models.TaskPlan:
		if m.project == nil {
			return ErrNoProject
		}
		if m.project.Phase != models.PhaseIdeation {
			return &ErrInvalidPhase{Op: "finalize plan", Current: m.phaseLocked(), Needs: models.PhaseIdeation}
		}
	default:
		return m.requireCodingLocked(string(task.Kind))
	}
	return nil
}

func (m *Machine) runTask(ctx context.Context, task *models.Task) {
	var res *bridge.Result
	var err error

	switch task.Kind {
	case models.TaskIdeate:
		res, err = m.SubmitIdea(ctx, task.Prompt, task.Mode)
	case models.TaskPlan:
		res, err = m.FinalizePlan(ctx, task.Prompt)
	case models.TaskGenerateFile:
		res, err = m.RegenerateFile(ctx, task)
	case models.TaskRefactor:
		err = m.Refactor(ctx, refactorPaths(task))
	default:
		res, err = m.RunSideTask(ctx, task)
	}

	m.completeTask(ctx, task.ID, res, err)
}

// refactorPaths reads the selected paths off a refactor task: TargetPath
// holds one or more newline-separated paths.
func refactorPaths(task *models.Task) []string {
	var out []string
	for _, p := range strings.Split(task.TargetPath, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// completeTask moves a pending task to its single terminal state.
func (m *Machine) completeTask(ctx context.Context, id string, res *bridge.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok || rec.status.State != TaskPending {
		return
	}
	rec.status.FinishedAt = time.Now().UTC()
	if err != nil {
		rec.status.State = TaskFailed
		rec.status.Error = failureReason(ctx, err)
		log.Warn().Str("task", id).Str("error", rec.status.Error).Msg("task failed")
	} else {
		rec.status.State = TaskSucceeded
		rec.status.Result = res
		log.Info().Str("task", id).Msg("task succeeded")
	}
	rec.cancel()
	close(rec.done)
}

// TaskStatus returns the current state of a submitted task.
func (m *Machine) TaskStatus(id string) (TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return TaskStatus{}, false
	}
	return rec.status, true
}

// CancelTask cancels a pending task. The task still reaches its terminal
// state (failed, reason cancelled) through the normal completion path.
func (m *Machine) CancelTask(id string) bool {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rec.cancel()
	return true
}

// WaitTask blocks until the task reaches a terminal state. Intended for
// tests and synchronous callers.
func (m *Machine) WaitTask(id string) (TaskStatus, bool) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return TaskStatus{}, false
	}
	<-rec.done
	return m.TaskStatus(id)
}
