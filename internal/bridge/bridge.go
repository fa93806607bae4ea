// Package bridge implements the provider router: given a task it selects an
// ordered candidate list by capability match and health, executes with
// fallback on failure, and reports every attempt outcome back to the health
// monitor and the agent registry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/agents"
	"github.com/codeloom/codeloom/internal/health"
	"github.com/codeloom/codeloom/internal/provider"
	"github.com/codeloom/codeloom/pkg/models"
)

// DefaultMaxAttempts bounds the fallback chain for a single task.
const DefaultMaxAttempts = 3

// Result is the outcome of a routed task.
type Result struct {
	TaskID       string                  `json:"task_id"`
	Provider     string                  `json:"provider"`
	Text         string                  `json:"text"`
	FinishReason string                  `json:"finish_reason,omitempty"`
	Usage        models.TokenUsage       `json:"usage"`
	LatencyMs    int64                   `json:"latency_ms"`
	Cached       bool                    `json:"cached,omitempty"`
	Consensus    *models.ConsensusResult `json:"consensus,omitempty"`
}

// AttemptFailure records why one provider attempt failed.
type AttemptFailure struct {
	Provider string        `json:"provider"`
	Kind     provider.Kind `json:"kind"`
	Reason   string        `json:"reason"`
}

// AllProvidersFailed is the terminal routing error, carrying every
// per-provider failure reason.
type AllProvidersFailed struct {
	TaskID   string
	Attempts []AttemptFailure
}

func (e *AllProvidersFailed) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s(%s)", a.Provider, a.Kind)
	}
	return fmt.Sprintf("all providers failed for task %s: [%s]", e.TaskID, strings.Join(parts, ", "))
}

// ErrNoCandidates is returned when no configured provider matches the task's
// capability tags.
type ErrNoCandidates struct {
	TaskID       string
	Capabilities []string
}

func (e *ErrNoCandidates) Error() string {
	return fmt.Sprintf("no configured provider matches capabilities %v for task %s", e.Capabilities, e.TaskID)
}

// Manager is the bridge manager / router.
type Manager struct {
	providers *provider.Registry
	health    *health.Monitor
	agents    *agents.Registry

	maxAttempts int
	cooldown    time.Duration
	cache       *responseCache
}

// Option configures the manager.
type Option func(*Manager)

// WithMaxAttempts bounds the fallback chain.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithRateLimitCooldown sets the base wait before retrying a rate-limited
// provider that is the only candidate.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithCacheSize sets the response cache capacity. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(m *Manager) { m.cache = newResponseCache(n) }
}

// NewManager creates a bridge manager over the provider fleet.
func NewManager(providers *provider.Registry, hm *health.Monitor, reg *agents.Registry, opts ...Option) *Manager {
	m := &Manager{
		providers:   providers,
		health:      hm,
		agents:      reg,
		maxAttempts: DefaultMaxAttempts,
		cooldown:    2 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ── Ranking ──────────────────────────────────────────────────

// Route returns the ordered candidate list for a task: providers whose
// capability tags intersect the task's required tags and whose configuration
// is complete, sorted by health status class, then role trust, then last
// observed latency. Unavailable providers are excluded unless one of them is
// the only capability match.
func (m *Manager) Route(task *models.Task) []string {
	required := task.RequiredCapabilities()
	role := roleFor(task)

	type candidate struct {
		name    string
		class   int // healthy 0, degraded 1, unavailable 2
		trust   float64
		latency int64
	}

	var matched []candidate
	for _, name := range m.providers.Names() {
		a := m.providers.Get(name)
		if a == nil || !a.IsConfigured() {
			continue
		}
		if !capsIntersect(a.Capabilities(), required) {
			continue
		}
		matched = append(matched, candidate{
			name:    name,
			class:   statusClass(m.health.Status(name)),
			trust:   m.agents.Trust(role, name),
			latency: m.health.LastLatencyMs(name),
		})
	}

	// Unavailable providers only count when nothing else matches.
	available := matched[:0:0]
	for _, c := range matched {
		if c.class < 2 {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		available = matched
	}

	sort.SliceStable(available, func(i, j int) bool {
		if available[i].class != available[j].class {
			return available[i].class < available[j].class
		}
		if available[i].trust != available[j].trust {
			return available[i].trust > available[j].trust
		}
		return available[i].latency < available[j].latency
	})

	out := make([]string, len(available))
	for i, c := range available {
		out[i] = c.name
	}
	return out
}

// ── Execution ────────────────────────────────────────────────

// Execute attempts the task against the ranked candidates in order, bounded
// by the configured max attempts. Retryable failures advance to the next
// candidate; client errors advance too, logged distinctly, since a different
// provider may not share the limitation.
func (m *Manager) Execute(ctx context.Context, task *models.Task) (*Result, error) {
	if m.cache != nil {
		if res, ok := m.cache.get(task); ok {
			log.Debug().Str("task", task.ID).Str("kind", string(task.Kind)).Msg("response cache hit")
			return res, nil
		}
	}

	candidates := m.Route(task)
	if len(candidates) == 0 {
		return nil, &ErrNoCandidates{TaskID: task.ID, Capabilities: task.RequiredCapabilities()}
	}

	if len(candidates) == 1 {
		return m.executeSoleCandidate(ctx, task, candidates[0])
	}

	var failures []AttemptFailure
	for i, name := range candidates {
		if i >= m.maxAttempts {
			break
		}
		res, err := m.ExecuteOn(ctx, name, task)
		if err == nil {
			m.cacheStore(task, res)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := provider.KindOf(err)
		failures = append(failures, AttemptFailure{Provider: name, Kind: kind, Reason: err.Error()})

		switch kind {
		case provider.KindUnconfigured, provider.KindUpstream4xx:
			// Pointless to retry on this provider, but another one might not
			// share the limitation.
			log.Warn().
				Str("task", task.ID).
				Str("provider", name).
				Str("kind", string(kind)).
				Err(err).
				Msg("provider rejected task, trying next")
		default:
			log.Warn().
				Str("task", task.ID).
				Str("provider", name).
				Str("kind", string(kind)).
				Err(err).
				Msg("provider call failed, trying next")
		}
	}

	return nil, &AllProvidersFailed{TaskID: task.ID, Attempts: failures}
}

// executeSoleCandidate handles the one-candidate case: a rate limit cannot
// fall over to a different provider, so the same one is retried after its
// indicated cooldown, with exponential backoff between attempts.
func (m *Manager) executeSoleCandidate(ctx context.Context, task *models.Task, name string) (*Result, error) {
	var res *Result
	var lastFailure AttemptFailure

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cooldown

	attempts := 0
	op := func() error {
		attempts++
		r, err := m.ExecuteOn(ctx, name, task)
		if err == nil {
			res = r
			return nil
		}
		kind := provider.KindOf(err)
		lastFailure = AttemptFailure{Provider: name, Kind: kind, Reason: err.Error()}
		if kind != provider.KindRateLimited {
			return backoff.Permanent(err)
		}
		var pe *provider.Error
		if errors.As(err, &pe) && pe.RetryAfter > bo.InitialInterval {
			bo.InitialInterval = pe.RetryAfter
			bo.Reset()
		}
		log.Warn().
			Str("task", task.ID).
			Str("provider", name).
			Int("attempt", attempts).
			Msg("sole candidate rate limited, waiting for cooldown")
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.maxAttempts-1)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &AllProvidersFailed{TaskID: task.ID, Attempts: []AttemptFailure{lastFailure}}
	}
	m.cacheStore(task, res)
	return res, nil
}

// ExecuteOn runs a single attempt against one provider, reporting the outcome
// to the health monitor and the bound role's trust score.
func (m *Manager) ExecuteOn(ctx context.Context, name string, task *models.Task) (*Result, error) {
	adapter := m.providers.Get(name)
	if adapter == nil {
		return nil, fmt.Errorf("provider %s not registered", name)
	}

	role := roleFor(task)
	start := time.Now()
	resp, err := adapter.Execute(ctx, requestFor(task))
	latency := time.Since(start)

	if err != nil {
		if provider.KindOf(err) == provider.KindTimeout {
			m.health.Report(name, health.OutcomeTimeout, latency)
		} else {
			m.health.Report(name, health.OutcomeFailure, latency)
		}
		m.agents.RecordOutcome(role, name, false)
		return nil, err
	}

	m.health.Report(name, health.OutcomeSuccess, latency)
	m.agents.RecordOutcome(role, name, true)

	return &Result{
		TaskID:       task.ID,
		Provider:     name,
		Text:         resp.Text,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

func (m *Manager) cacheStore(task *models.Task, res *Result) {
	if m.cache != nil {
		m.cache.put(task, res)
	}
}

// ── Helpers ──────────────────────────────────────────────────

func statusClass(s models.HealthStatus) int {
	switch s {
	case models.HealthHealthy:
		return 0
	case models.HealthDegraded:
		return 1
	default:
		return 2
	}
}

func capsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// roleFor maps a task to its bound agent role.
func roleFor(task *models.Task) string {
	if task.Role != "" {
		return task.Role
	}
	switch task.Kind {
	case models.TaskIdeate, models.TaskPlan:
		return agents.RolePlanner
	case models.TaskGenerateFile, models.TaskRefactor, models.TaskCICD, models.TaskDBMigration, models.TaskAPIClient:
		return agents.RoleCoder
	case models.TaskSecurityAudit:
		return agents.RoleAuditor
	default:
		return agents.RoleReviewer
	}
}

// requestFor builds the normalized provider request for a task.
func requestFor(task *models.Task) provider.Request {
	prompt := task.Prompt
	if task.Code != "" {
		prompt = prompt + "\n\n```\n" + task.Code + "\n```"
	}
	var attachments []provider.Attachment
	for _, a := range task.Attachments {
		attachments = append(attachments, provider.Attachment{MIME: a.MIME, Data: a.Data})
	}
	return provider.Request{
		Prompt:      prompt,
		System:      systemFor(task.Kind),
		Attachments: attachments,
		Temperature: temperatureFor(task.Kind),
	}
}

func systemFor(kind models.TaskKind) string {
	switch kind {
	case models.TaskIdeate:
		return "You are a software product strategist. Expand the user's idea into a concrete project concept with core features and architecture."
	case models.TaskPlan:
		return "You are a software architect. Produce a JSON file plan: {\"files\":[{\"path\":\"...\",\"depends_on\":[\"...\"]}]}. List every file the project needs."
	case models.TaskGenerateFile, models.TaskRefactor:
		return "You are an expert software engineer. Output only the complete file content, no commentary."
	case models.TaskSecurityAudit:
		return "You are a security auditor. Review the provided code for vulnerabilities."
	case models.TaskRunTests:
		return "You are a test engineer. Analyze the code and report likely test outcomes."
	case models.TaskCICD:
		return "You are a DevOps engineer. Output only the complete CI/CD configuration file content."
	case models.TaskDBMigration:
		return "You are a database engineer. Output only the complete migration file content."
	case models.TaskAPIClient:
		return "You are an API engineer. Output only the complete API client file content."
	default:
		return ""
	}
}

func temperatureFor(kind models.TaskKind) float64 {
	switch kind {
	case models.TaskGenerateFile, models.TaskRefactor, models.TaskPlan, models.TaskCICD, models.TaskDBMigration, models.TaskAPIClient:
		return 0.2
	default:
		return 0.7
	}
}
