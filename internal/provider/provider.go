// Package provider wraps each AI backend behind a uniform Adapter interface.
//
// Adapters normalize the vendor request/response shapes, classify failures
// into the typed error taxonomy, and fail fast within the request timeout.
// Retry policy belongs to the bridge manager, never to an adapter.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/codeloom/codeloom/pkg/models"
)

// Request is the normalized outbound call an adapter executes.
type Request struct {
	Prompt      string
	System      string
	Attachments []Attachment
	Temperature float64
	MaxTokens   int
	// Timeout bounds the outbound call; adapters apply it on top of the
	// caller's context.
	Timeout time.Duration
}

// Attachment is an optional binary payload (usually an image) sent with the
// prompt to vision-capable providers.
type Attachment struct {
	MIME string
	Data []byte
}

// Adapter is the uniform interface to one AI backend.
type Adapter interface {
	Name() string
	Capabilities() []string
	IsConfigured() bool
	Execute(ctx context.Context, req Request) (*models.ProviderResponse, error)
	// Ping is a cheap out-of-band probe used by the health monitor.
	Ping(ctx context.Context) error
}

// DefaultTimeout applies when a request carries no explicit timeout.
const DefaultTimeout = 30 * time.Second

// New constructs an adapter for the given provider configuration.
func New(cfg models.ProviderConfig) (Adapter, error) {
	switch cfg.Kind {
	case "openai", "azure-openai":
		return newOpenAI(cfg), nil
	case "anthropic":
		return newAnthropic(cfg), nil
	case "gemini":
		return newGemini(cfg), nil
	case "ollama":
		return newOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// ── Registry ─────────────────────────────────────────────────

// Registry holds the registered adapter fleet. Registration happens once at
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// FromConfigs builds a registry from provider configurations, skipping
// configs with unknown kinds.
func FromConfigs(cfgs []models.ProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		a, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		r.Register(a)
	}
	return r, nil
}

// Register adds an adapter, replacing any existing one with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; !exists {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
}

// Get returns the adapter with the given name, or nil.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Names returns registered adapter names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Sorted returns registered adapter names in lexical order. Used where a
// deterministic iteration order matters more than registration order.
func (r *Registry) Sorted() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

// ── Shared helpers ───────────────────────────────────────────

// newHTTPClient returns the client adapters share. Per-request deadlines are
// enforced through context, so the client itself carries a generous cap only
// as a safety net.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 120 * time.Second}
}

// withTimeout derives the per-call context from the request timeout.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	t := req.Timeout
	if t <= 0 {
		t = DefaultTimeout
	}
	return context.WithTimeout(ctx, t)
}
