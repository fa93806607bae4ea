// Package health tracks per-provider availability from observed call
// outcomes and an out-of-band probe loop.
//
// Every router attempt reports its outcome here; idle providers are pinged
// on a fixed interval so a provider that nobody is calling still shows a
// current status.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeloom/codeloom/internal/provider"
	"github.com/codeloom/codeloom/pkg/models"
)

// Outcome is one observed call result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

const (
	// DefaultWindowSize is the rolling outcome window per provider.
	DefaultWindowSize = 20
	// DefaultTimeoutTripCount marks a provider unavailable after this many
	// consecutive timeouts regardless of its success rate.
	DefaultTimeoutTripCount = 3
	// DefaultProbeInterval is how often idle providers are pinged.
	DefaultProbeInterval = 60 * time.Second
)

// record holds one provider's rolling state. Guarded by its own mutex so
// concurrent reports on different providers never contend.
type record struct {
	mu                  sync.Mutex
	window              []Outcome // ring buffer, newest at head index
	head                int
	filled              int
	consecutiveTimeouts int
	lastLatencyMs       int64
	lastChecked         time.Time
	lastActivity        time.Time
}

// Monitor owns one HealthRecord per registered provider.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*record

	windowSize    int
	timeoutTrip   int
	probeInterval time.Duration
	registry      *provider.Registry

	stopCh  chan struct{}
	runMu   sync.Mutex
	running bool
}

// Option configures the monitor.
type Option func(*Monitor)

// WithWindowSize overrides the rolling window size.
func WithWindowSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.windowSize = n
		}
	}
}

// WithTimeoutTripCount overrides the consecutive-timeout trip threshold.
func WithTimeoutTripCount(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.timeoutTrip = n
		}
	}
}

// WithProbeInterval overrides the idle-probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeInterval = d
		}
	}
}

// NewMonitor creates a monitor over the given adapter registry. Every
// registered adapter gets a health record immediately.
func NewMonitor(registry *provider.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		records:       make(map[string]*record),
		windowSize:    DefaultWindowSize,
		timeoutTrip:   DefaultTimeoutTripCount,
		probeInterval: DefaultProbeInterval,
		registry:      registry,
		stopCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if registry != nil {
		for _, name := range registry.Names() {
			m.Register(name)
		}
	}
	return m
}

// Register creates a health record for a provider if one does not exist.
func (m *Monitor) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		m.records[name] = &record{window: make([]Outcome, m.windowSize)}
	}
}

// Report records one observed outcome for a provider.
func (m *Monitor) Report(name string, o Outcome, latency time.Duration) {
	m.mu.RLock()
	r, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		m.Register(name)
		m.mu.RLock()
		r = m.records[name]
		m.mu.RUnlock()
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window[r.head] = o
	r.head = (r.head + 1) % len(r.window)
	if r.filled < len(r.window) {
		r.filled++
	}
	if o == OutcomeTimeout {
		r.consecutiveTimeouts++
	} else {
		r.consecutiveTimeouts = 0
	}
	if latency > 0 {
		r.lastLatencyMs = latency.Milliseconds()
	}
	r.lastChecked = now
	r.lastActivity = now
}

// Status returns the current status bucket for a provider. Providers with no
// observations yet are reported healthy so a fresh fleet is routable.
func (m *Monitor) Status(name string) models.HealthStatus {
	m.mu.RLock()
	r, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return models.HealthUnavailable
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status(m.timeoutTrip)
}

// LastLatencyMs returns the provider's most recent observed latency.
func (m *Monitor) LastLatencyMs(name string) int64 {
	m.mu.RLock()
	r, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLatencyMs
}

// Snapshot returns a point-in-time copy of every record. Health can change
// concurrently after the snapshot is taken.
func (m *Monitor) Snapshot() map[string]models.HealthRecord {
	m.mu.RLock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]models.HealthRecord, len(names))
	for _, name := range names {
		m.mu.RLock()
		r := m.records[name]
		m.mu.RUnlock()

		r.mu.Lock()
		successes, failures := r.counts()
		out[name] = models.HealthRecord{
			Provider:            name,
			Successes:           successes,
			Failures:            failures,
			ConsecutiveTimeouts: r.consecutiveTimeouts,
			LastLatencyMs:       r.lastLatencyMs,
			Status:              r.status(m.timeoutTrip),
			LastChecked:         r.lastChecked,
		}
		r.mu.Unlock()
	}
	return out
}

// counts tallies the rolling window. Caller holds r.mu.
func (r *record) counts() (successes, failures int) {
	for i := 0; i < r.filled; i++ {
		if r.window[i] == OutcomeSuccess {
			successes++
		} else {
			failures++
		}
	}
	return
}

// status computes the bucket from the window. Caller holds r.mu.
func (r *record) status(timeoutTrip int) models.HealthStatus {
	if r.consecutiveTimeouts >= timeoutTrip {
		return models.HealthUnavailable
	}
	if r.filled == 0 {
		return models.HealthHealthy
	}
	successes, _ := r.counts()
	rate := float64(successes) / float64(r.filled)
	switch {
	case rate >= 0.8:
		return models.HealthHealthy
	case rate >= 0.4:
		return models.HealthDegraded
	default:
		return models.HealthUnavailable
	}
}

// ── Probe loop ───────────────────────────────────────────────

// Start begins the background probe loop for idle providers.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.runMu.Unlock()

	log.Info().Dur("interval", m.probeInterval).Msg("health probe loop started")
	go m.loop(ctx)
}

// Stop shuts down the probe loop.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("health probe loop stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.probeIdle(ctx)
	for {
		select {
		case <-ticker.C:
			m.probeIdle(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// probeIdle pings providers with no recent traffic. Busy providers are
// skipped — their in-band outcomes are fresher than any ping.
func (m *Monitor) probeIdle(ctx context.Context) {
	if m.registry == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-m.probeInterval)

	// Lexical order so probe logs read the same run to run.
	for _, name := range m.registry.Sorted() {
		m.mu.RLock()
		r, ok := m.records[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		r.mu.Lock()
		idle := r.lastActivity.Before(cutoff)
		r.mu.Unlock()
		if !idle {
			continue
		}

		adapter := m.registry.Get(name)
		if adapter == nil || !adapter.IsConfigured() {
			continue
		}

		start := time.Now()
		err := adapter.Ping(ctx)
		latency := time.Since(start)

		switch {
		case err == nil:
			m.Report(name, OutcomeSuccess, latency)
		case provider.KindOf(err) == provider.KindTimeout:
			m.Report(name, OutcomeTimeout, latency)
			log.Warn().Str("provider", name).Err(err).Msg("health probe timed out")
		default:
			m.Report(name, OutcomeFailure, latency)
			log.Warn().Str("provider", name).Err(err).Msg("health probe failed")
		}
	}
}
