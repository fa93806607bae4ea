package project

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codeloom/codeloom/pkg/models"
)

// ReasonCancelled is recorded on file nodes whose generation was cut short
// by a user-initiated cancellation.
const ReasonCancelled = "cancelled"

// ErrInvalidPhase is returned when an operation is illegal in the project's
// current phase.
type ErrInvalidPhase struct {
	Op      string
	Current models.Phase
	Needs   models.Phase
}

func (e *ErrInvalidPhase) Error() string {
	return fmt.Sprintf("%s requires phase %s, project is in %s", e.Op, e.Needs, e.Current)
}

// ErrIdeationFailed wraps a failed ideate task; the project stays in
// idea_input.
type ErrIdeationFailed struct {
	Cause error
}

func (e *ErrIdeationFailed) Error() string { return "ideation failed: " + e.Cause.Error() }
func (e *ErrIdeationFailed) Unwrap() error { return e.Cause }

// ErrPlanningFailed wraps a failed plan task; the project stays in ideation.
type ErrPlanningFailed struct {
	Cause error
}

func (e *ErrPlanningFailed) Error() string { return "planning failed: " + e.Cause.Error() }
func (e *ErrPlanningFailed) Unwrap() error { return e.Cause }

// ErrCyclicDependency is a fatal planning error: the declared file
// dependencies contain a cycle and no build order exists.
type ErrCyclicDependency struct {
	Cycle []string
}

func (e *ErrCyclicDependency) Error() string {
	return "cyclic dependency among planned files: " + strings.Join(e.Cycle, " -> ")
}

// ErrBuildInProgress is returned when a build is requested while one is
// already running.
var ErrBuildInProgress = errors.New("build already in progress")

// ErrNoProject is returned for operations that need an existing project.
var ErrNoProject = errors.New("no active project")

// ErrUnknownFile is returned when a file operation names a path that is not
// in the tree.
type ErrUnknownFile struct {
	Path string
}

func (e *ErrUnknownFile) Error() string { return "unknown file: " + e.Path }
