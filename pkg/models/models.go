// Package models defines the shared domain types for the CodeLoom
// orchestration core: projects, file trees, tasks, provider configuration,
// health records, and consensus results.
package models

import (
	"sort"
	"time"
)

// ── Project ──────────────────────────────────────────────────

// Phase is the project lifecycle phase. "done" is never stored — it is a
// derived predicate (every file generated) reported by the state machine.
type Phase string

const (
	PhaseIdeaInput Phase = "idea_input"
	PhaseIdeation  Phase = "ideation"
	PhaseCoding    Phase = "coding"
	PhaseDone      Phase = "done"
)

// Project is the single unit of work the state machine owns. It is mutated
// only through state machine transitions; everything handed out of the
// machine is a deep copy.
type Project struct {
	ID              string        `json:"id"`
	Phase           Phase         `json:"phase"`
	IdeationResult  string        `json:"ideation_result,omitempty"`
	FileTree        *FileNode     `json:"file_tree,omitempty"`
	ChatHistory     []ChatMessage `json:"chat_history,omitempty"`
	Agents          []AgentConfig `json:"agents,omitempty"`
	BuildInProgress bool          `json:"build_in_progress"`

	// Version is bumped by the store on every save; monotonically increasing.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.FileTree = p.FileTree.Clone()
	cp.ChatHistory = append([]ChatMessage(nil), p.ChatHistory...)
	cp.Agents = make([]AgentConfig, len(p.Agents))
	for i, a := range p.Agents {
		cp.Agents[i] = a.Clone()
	}
	return &cp
}

// ── File Tree ────────────────────────────────────────────────

type FileKind string

const (
	FileKindFile      FileKind = "file"
	FileKindDirectory FileKind = "directory"
)

// FileStatus is the per-file generation status. Files move
// planned → generating → {generated|failed}; failed → generating on retry;
// generated re-enters planned only through an explicit refactor request.
type FileStatus string

const (
	FileStatusPlanned    FileStatus = "planned"
	FileStatusGenerating FileStatus = "generating"
	FileStatusGenerated  FileStatus = "generated"
	FileStatusFailed     FileStatus = "failed"
)

// FileNode is one entry in the generated project's file tree. A directory's
// status is derivative and never set directly.
type FileNode struct {
	Path      string      `json:"path"`
	Kind      FileKind    `json:"kind"`
	Status    FileStatus  `json:"status,omitempty"`
	Content   string      `json:"content,omitempty"`
	DependsOn []string    `json:"depends_on,omitempty"`
	Error     string      `json:"error,omitempty"`
	Children  []*FileNode `json:"children,omitempty"`
}

// Clone returns a deep copy of the node and its subtree.
func (n *FileNode) Clone() *FileNode {
	if n == nil {
		return nil
	}
	cp := *n
	cp.DependsOn = append([]string(nil), n.DependsOn...)
	cp.Children = make([]*FileNode, len(n.Children))
	for i, c := range n.Children {
		cp.Children[i] = c.Clone()
	}
	return &cp
}

// Walk visits the node and every descendant in depth-first order.
func (n *FileNode) Walk(fn func(*FileNode)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Find returns the descendant with the given path, or nil.
func (n *FileNode) Find(path string) *FileNode {
	var found *FileNode
	n.Walk(func(node *FileNode) {
		if node.Path == path {
			found = node
		}
	})
	return found
}

// DerivedStatus computes a directory's status from its files: generated when
// every file under it is generated, failed when any failed, generating when
// any is in flight, planned otherwise.
func (n *FileNode) DerivedStatus() FileStatus {
	if n.Kind == FileKindFile {
		return n.Status
	}
	var anyFailed, anyGenerating, anyPlanned, anyFile bool
	n.Walk(func(node *FileNode) {
		if node.Kind != FileKindFile {
			return
		}
		anyFile = true
		switch node.Status {
		case FileStatusFailed:
			anyFailed = true
		case FileStatusGenerating:
			anyGenerating = true
		case FileStatusPlanned:
			anyPlanned = true
		}
	})
	switch {
	case !anyFile:
		return FileStatusGenerated
	case anyGenerating:
		return FileStatusGenerating
	case anyFailed:
		return FileStatusFailed
	case anyPlanned:
		return FileStatusPlanned
	default:
		return FileStatusGenerated
	}
}

// ── Task ─────────────────────────────────────────────────────

type TaskKind string

const (
	TaskIdeate        TaskKind = "ideate"
	TaskPlan          TaskKind = "plan"
	TaskGenerateFile  TaskKind = "generate_file"
	TaskRefactor      TaskKind = "refactor"
	TaskRunTests      TaskKind = "run_tests"
	TaskCICD          TaskKind = "cicd"
	TaskDBMigration   TaskKind = "db_migration"
	TaskAPIClient     TaskKind = "api_client"
	TaskSecurityAudit TaskKind = "security_audit"
	TaskChat          TaskKind = "chat"
)

// ExecutionModeKind selects single-provider fallback or multi-provider
// consensus execution.
type ExecutionModeKind string

const (
	ModeSingle    ExecutionModeKind = "single"
	ModeConsensus ExecutionModeKind = "consensus"
)

type ExecutionMode struct {
	Kind ExecutionModeKind `json:"kind"`
	// Fanout is the number of providers consulted in consensus mode.
	Fanout int `json:"fanout,omitempty"`
}

// Task is one unit of requested work routed through provider(s).
type Task struct {
	ID           string           `json:"id"`
	Kind         TaskKind         `json:"kind"`
	Prompt       string           `json:"prompt"`
	TargetPath   string           `json:"target_path,omitempty"`
	Code         string           `json:"code,omitempty"`
	Attachments  []TaskAttachment `json:"attachments,omitempty"`
	Mode         ExecutionMode    `json:"mode"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Role         string           `json:"role,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// TaskAttachment is an optional binary payload (usually an image) carried
// with the task to vision-capable providers. Data is base64 on the wire.
type TaskAttachment struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// RequiredCapabilities returns the task's capability tags, defaulting from
// the task kind when none were set explicitly.
func (t *Task) RequiredCapabilities() []string {
	if len(t.Capabilities) > 0 {
		return t.Capabilities
	}
	if len(t.Attachments) > 0 {
		return []string{CapVision}
	}
	switch t.Kind {
	case TaskGenerateFile, TaskRefactor, TaskCICD, TaskDBMigration, TaskAPIClient:
		return []string{CapCodeGen}
	case TaskSecurityAudit, TaskRunTests:
		return []string{CapAnalysis}
	default:
		return []string{CapChat}
	}
}

// Capability tags understood by the router.
const (
	CapCodeGen  = "code-gen"
	CapAnalysis = "analysis"
	CapChat     = "chat"
	CapVision   = "vision"
)

// ── Provider ─────────────────────────────────────────────────

// ProviderConfig describes one configured AI backend.
type ProviderConfig struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"` // openai | anthropic | gemini | ollama
	Endpoint     string   `json:"endpoint,omitempty"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities"`
	// APIKey is never serialized; only its presence is reported.
	APIKey      string `json:"-"`
	HasAPIKey   bool   `json:"has_api_key"`
	RPMLimit    int    `json:"rpm_limit,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

// ProviderResponse is the normalized response every adapter maps its vendor
// payload onto.
type ProviderResponse struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
}

type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// ── Health ───────────────────────────────────────────────────

type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// HealthRecord is a point-in-time view of one provider's health. Snapshots
// are copies; health can change concurrently after a snapshot is taken.
type HealthRecord struct {
	Provider            string       `json:"provider"`
	Successes           int          `json:"successes"`
	Failures            int          `json:"failures"`
	ConsecutiveTimeouts int          `json:"consecutive_timeouts"`
	LastLatencyMs       int64        `json:"last_latency_ms"`
	Status              HealthStatus `json:"status"`
	LastChecked         time.Time    `json:"last_checked"`
}

// ── Consensus ────────────────────────────────────────────────

type AgreementLevel string

const (
	AgreementLow    AgreementLevel = "low"
	AgreementMedium AgreementLevel = "medium"
	AgreementHigh   AgreementLevel = "high"
)

// ConsensusResponse is one provider's answer within a consensus round.
type ConsensusResponse struct {
	Provider  string `json:"provider"`
	Text      string `json:"text,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Err       string `json:"error,omitempty"`
}

// ConsensusResult is produced once per multi-provider task and is immutable
// after creation.
type ConsensusResult struct {
	Responses   []ConsensusResponse `json:"responses"`
	Agreement   AgreementLevel      `json:"agreement"`
	Confidence  int                 `json:"confidence"` // 0–100
	Variance    float64             `json:"variance"`
	Synthesized string              `json:"synthesized"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ── Agents ───────────────────────────────────────────────────

// AgentConfig binds a logical role (planner, coder, reviewer, …) to an
// ordered provider preference list with per-provider trust scores.
type AgentConfig struct {
	Role       string             `json:"role"`
	Providers  []string           `json:"providers"`
	Trust      map[string]float64 `json:"trust,omitempty"`
	LastActive time.Time          `json:"last_active"`
}

// Clone returns a deep copy of the agent config.
func (a AgentConfig) Clone() AgentConfig {
	cp := a
	cp.Providers = append([]string(nil), a.Providers...)
	cp.Trust = make(map[string]float64, len(a.Trust))
	for k, v := range a.Trust {
		cp.Trust[k] = v
	}
	return cp
}

// TrustOrder returns the agent's providers sorted by descending trust,
// preference order breaking ties.
func (a AgentConfig) TrustOrder() []string {
	out := append([]string(nil), a.Providers...)
	rank := make(map[string]int, len(out))
	for i, p := range out {
		rank[p] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := a.Trust[out[i]], a.Trust[out[j]]
		if ti != tj {
			return ti > tj
		}
		return rank[out[i]] < rank[out[j]]
	})
	return out
}

// ── Chat ─────────────────────────────────────────────────────

// ChatMessage is one append-only entry in the project's audit/chat history.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user | assistant | system
	Content   string    `json:"content"`
	TaskKind  TaskKind  `json:"task_kind,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
