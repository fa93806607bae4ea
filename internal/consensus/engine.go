// Package consensus executes a task against several top-ranked providers in
// parallel and scores the agreement among their answers.
//
// The engine also fronts single-mode execution, so the state machine runs
// every task through one entry point and the execution mode on the task
// decides the path.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/pkg/models"
)

// DefaultFanout is the number of providers consulted when a consensus task
// does not name one.
const DefaultFanout = 3

// ErrInsufficientQuorum is the terminal error when fewer providers succeed
// than the quorum requires. No synthesized text is produced.
type ErrInsufficientQuorum struct {
	Succeeded int
	Quorum    int
	Fanout    int
}

func (e *ErrInsufficientQuorum) Error() string {
	return fmt.Sprintf("insufficient quorum: %d of %d providers succeeded, need %d", e.Succeeded, e.Fanout, e.Quorum)
}

// Engine runs tasks in single or consensus mode.
type Engine struct {
	bridge *bridge.Manager
	fanout int
	// quorum of 0 means majority of fanout.
	quorum int
}

// Option configures the engine.
type Option func(*Engine)

// WithFanout sets the default consensus fanout.
func WithFanout(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fanout = n
		}
	}
}

// WithQuorum sets a fixed quorum instead of majority-of-fanout.
func WithQuorum(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.quorum = n
		}
	}
}

// NewEngine creates a consensus engine over the bridge manager.
func NewEngine(b *bridge.Manager, opts ...Option) *Engine {
	e := &Engine{bridge: b, fanout: DefaultFanout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes a task according to its execution mode.
func (e *Engine) Run(ctx context.Context, task *models.Task) (*bridge.Result, error) {
	if task.Mode.Kind != models.ModeConsensus {
		return e.bridge.Execute(ctx, task)
	}

	n := task.Mode.Fanout
	if n <= 0 {
		n = e.fanout
	}
	cr, top, err := e.Execute(ctx, task, n)
	if err != nil {
		return nil, err
	}
	return &bridge.Result{
		TaskID:    task.ID,
		Provider:  top.Provider,
		Text:      cr.Synthesized,
		Usage:     top.Usage,
		LatencyMs: top.LatencyMs,
		Consensus: cr,
	}, nil
}

// Execute dispatches the task to the n top-ranked providers in parallel,
// waits for all of them, and requires the quorum to have succeeded. The
// returned result is immutable; the second return is the highest-ranked
// successful attempt whose text becomes the synthesized answer.
func (e *Engine) Execute(ctx context.Context, task *models.Task, n int) (*models.ConsensusResult, *bridge.Result, error) {
	candidates := e.bridge.Route(task)
	if len(candidates) == 0 {
		return nil, nil, &bridge.ErrNoCandidates{TaskID: task.ID, Capabilities: task.RequiredCapabilities()}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	candidates = candidates[:n]

	quorum := e.quorum
	if quorum <= 0 || quorum > n {
		quorum = n/2 + 1
	}

	type attempt struct {
		res *bridge.Result
		err error
	}
	attempts := make([]attempt, n)

	var wg sync.WaitGroup
	for i, name := range candidates {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			res, err := e.bridge.ExecuteOn(ctx, name, task)
			attempts[i] = attempt{res: res, err: err}
		}(i, name)
	}
	wg.Wait()

	responses := make([]models.ConsensusResponse, n)
	var succeededTexts []string
	var top *bridge.Result
	succeeded := 0
	for i, name := range candidates {
		a := attempts[i]
		if a.err != nil {
			responses[i] = models.ConsensusResponse{Provider: name, Err: a.err.Error()}
			continue
		}
		responses[i] = models.ConsensusResponse{
			Provider:  name,
			Text:      a.res.Text,
			LatencyMs: a.res.LatencyMs,
		}
		succeededTexts = append(succeededTexts, a.res.Text)
		succeeded++
		if top == nil {
			// candidates are already in rank order; first success wins.
			top = a.res
		}
	}

	if succeeded < quorum {
		log.Warn().
			Str("task", task.ID).
			Int("succeeded", succeeded).
			Int("quorum", quorum).
			Msg("consensus round below quorum")
		return nil, nil, &ErrInsufficientQuorum{Succeeded: succeeded, Quorum: quorum, Fanout: n}
	}

	meanSim := meanPairwiseSimilarity(succeededTexts)
	variance := 1.0 - meanSim

	result := &models.ConsensusResult{
		Responses:   newResponses(responses),
		Agreement:   agreementLevel(variance),
		Confidence:  int(math.Round(100 * meanSim)),
		Variance:    variance,
		Synthesized: top.Text,
		CreatedAt:   time.Now().UTC(),
	}

	log.Info().
		Str("task", task.ID).
		Int("fanout", n).
		Int("succeeded", succeeded).
		Str("agreement", string(result.Agreement)).
		Int("confidence", result.Confidence).
		Msg("consensus round complete")

	return result, top, nil
}

// newResponses defensively copies the response slice so the stored result
// shares nothing with the working set.
func newResponses(in []models.ConsensusResponse) []models.ConsensusResponse {
	return append([]models.ConsensusResponse(nil), in...)
}

func agreementLevel(variance float64) models.AgreementLevel {
	switch {
	case variance <= 0.1:
		return models.AgreementHigh
	case variance <= 0.4:
		return models.AgreementMedium
	default:
		return models.AgreementLow
	}
}
