package project

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/pkg/models"
)

type fileResult struct {
	path string
	res  *bridge.Result
	err  error
}

// StartBuild kicks off dependency-ordered generation of every planned file.
// The build runs detached from the caller's context: only CancelBuild (or
// Reset) stops it.
func (m *Machine) StartBuild(ctx context.Context) error {
	m.mu.Lock()
	if err := m.requireCodingLocked("start build"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.project.BuildInProgress {
		m.mu.Unlock()
		return ErrBuildInProgress
	}
	if !m.anyBuildableLocked() {
		m.mu.Unlock()
		return nil
	}

	buildCtx, cancel := context.WithCancel(context.Background())
	m.project.BuildInProgress = true
	m.buildCancel = cancel
	m.buildDone = make(chan struct{})
	m.saveLocked(ctx)
	done := m.buildDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.runBuild(buildCtx)
	}()
	return nil
}

// CancelBuild aborts the running build, if any. In-flight files are marked
// failed with a cancellation reason; completed files keep their content.
func (m *Machine) CancelBuild() bool {
	m.mu.Lock()
	cancel := m.buildCancel
	done := m.buildDone
	m.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	if done != nil {
		<-done
	}
	return true
}

// BuildDone returns a channel closed when the current build finishes. If no
// build is running the returned channel is already closed.
func (m *Machine) BuildDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buildDone == nil || m.project == nil || !m.project.BuildInProgress {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.buildDone
}

// runBuild is the scheduler loop. It is the only goroutine that applies
// generation results; workers just execute tasks and report back.
func (m *Machine) runBuild(ctx context.Context) {
	started := time.Now()
	log.Info().Int("workers", m.workers).Msg("build started")

	results := make(chan fileResult)

	for {
		inFlight := 0
		for {
			if ctx.Err() == nil {
				for inFlight < m.workers {
					path, task, ok := m.claimNext()
					if !ok {
						break
					}
					inFlight++
					go func(path string, task *models.Task) {
						res, err := m.runner.Run(ctx, task)
						results <- fileResult{path: path, res: res, err: err}
					}(path, task)
				}
			}
			if inFlight == 0 {
				break
			}
			r := <-results
			inFlight--
			m.applyResult(ctx, r)
		}
		if !m.finishBuild(ctx) {
			break
		}
	}
	log.Info().Dur("elapsed", time.Since(started)).Msg("build finished")
}

// claimNext picks the next buildable file — planned, or failed with a retry
// request, with every dependency generated — marks it generating, and
// returns its generation task. Candidates are taken in sorted path order so
// scheduling is deterministic.
func (m *Machine) claimNext() (string, *models.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		n := m.files[p]
		if !m.buildableLocked(n) {
			continue
		}
		n.Status = models.FileStatusGenerating
		n.Error = ""
		delete(m.retry, p)
		return p, m.generationTaskLocked(p), true
	}
	return "", nil, false
}

func (m *Machine) buildableLocked(n *models.FileNode) bool {
	switch n.Status {
	case models.FileStatusPlanned:
	case models.FileStatusFailed:
		if !m.retry[n.Path] {
			return false
		}
	default:
		return false
	}
	for _, dep := range n.DependsOn {
		d, ok := m.files[dep]
		if !ok || d.Status != models.FileStatusGenerated {
			return false
		}
	}
	return true
}

func (m *Machine) anyBuildableLocked() bool {
	for _, n := range m.files {
		if m.buildableLocked(n) {
			return true
		}
	}
	return false
}

// applyResult records one worker's outcome on the tree.
func (m *Machine) applyResult(ctx context.Context, r fileResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.files[r.path]
	if !ok {
		// File removed under us (reset races the last workers).
		return
	}
	if r.err != nil {
		n.Status = models.FileStatusFailed
		n.Error = failureReason(ctx, r.err)
		m.appendChatLocked("system", "generation failed for "+r.path+": "+n.Error, models.TaskGenerateFile, "")
		log.Warn().Err(r.err).Str("path", r.path).Msg("file generation failed")
	} else {
		n.Status = models.FileStatusGenerated
		n.Content = r.res.Text
		n.Error = ""
		m.appendChatLocked("system", "generated "+r.path, models.TaskGenerateFile, r.res.Provider)
		log.Info().
			Str("path", r.path).
			Str("provider", r.res.Provider).
			Int64("latency_ms", r.res.LatencyMs).
			Msg("file generated")
	}
	m.saveLocked(context.WithoutCancel(ctx))
}

// finishBuild clears build state. Any file still generating at this point —
// a cancellation swept it before its worker reported — is marked failed.
// Returns true when a retry request landed after the scheduler's final claim
// pass; the flag is set under the same mutex, so either it is visible here
// and the scheduler goes around again, or RetryFile observed the build as
// finished and starts a fresh one itself.
func (m *Machine) finishBuild(ctx context.Context) (restart bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var generated, failed, pending int
	for _, n := range m.files {
		if n.Status == models.FileStatusGenerating {
			n.Status = models.FileStatusFailed
			n.Error = ReasonCancelled
		}
		switch n.Status {
		case models.FileStatusGenerated:
			generated++
		case models.FileStatusFailed:
			failed++
		default:
			pending++
		}
	}
	if ctx.Err() == nil && m.anyBuildableLocked() {
		return true
	}
	m.project.BuildInProgress = false
	m.buildCancel = nil
	m.saveLocked(context.WithoutCancel(ctx))

	log.Info().
		Int("generated", generated).
		Int("failed", failed).
		Int("pending", pending).
		Msg("build state cleared")
	return false
}
