// Package config loads process-wide configuration once at startup.
// Credentials are read here and injected into the provider registry;
// nothing in the core mutates them at runtime.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/codeloom/codeloom/pkg/models"
)

// Config holds all configuration for the CodeLoom orchestration core.
type Config struct {
	Port      int
	Version   string
	Build     BuildConfig
	Router    RouterConfig
	Consensus ConsensusConfig
	Health    HealthConfig
	Telemetry TelemetryConfig
	Providers []models.ProviderConfig
}

// BuildConfig tunes the per-file generation pipeline.
type BuildConfig struct {
	Workers int // bounded concurrency for generate_file tasks
}

// RouterConfig tunes the bridge manager.
type RouterConfig struct {
	MaxAttempts         int
	DefaultTimeoutSecs  int
	ResponseCacheSize   int
	RateLimitCooldownMs int
}

// ConsensusConfig tunes multi-provider execution.
type ConsensusConfig struct {
	Fanout int
	// Quorum of 0 means majority of fanout.
	Quorum int
}

// HealthConfig tunes the provider health monitor.
type HealthConfig struct {
	WindowSize        int
	ProbeIntervalSecs int
	TimeoutTripCount  int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from the environment with sensible defaults.
// A .env file in the working directory is honored if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("CODELOOM_PORT", 8080),
		Version: envStr("CODELOOM_VERSION", "0.2.0"),
		Build: BuildConfig{
			Workers: envInt("BUILD_WORKERS", 3),
		},
		Router: RouterConfig{
			MaxAttempts:         envInt("ROUTER_MAX_ATTEMPTS", 3),
			DefaultTimeoutSecs:  envInt("ROUTER_DEFAULT_TIMEOUT_SECS", 30),
			ResponseCacheSize:   envInt("ROUTER_RESPONSE_CACHE_SIZE", 256),
			RateLimitCooldownMs: envInt("ROUTER_RATE_LIMIT_COOLDOWN_MS", 2000),
		},
		Consensus: ConsensusConfig{
			Fanout: envInt("CONSENSUS_FANOUT", 3),
			Quorum: envInt("CONSENSUS_QUORUM", 0),
		},
		Health: HealthConfig{
			WindowSize:        envInt("HEALTH_WINDOW_SIZE", 20),
			ProbeIntervalSecs: envInt("HEALTH_PROBE_INTERVAL_SECS", 60),
			TimeoutTripCount:  envInt("HEALTH_TIMEOUT_TRIP_COUNT", 3),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "codeloom-core"),
		},
		Providers: loadProviders(),
	}
}

// loadProviders builds the provider fleet from environment credentials.
// A provider with no API key is still registered (it shows up in health
// dashboards) but is excluded from routing until configured.
func loadProviders() []models.ProviderConfig {
	timeout := envInt("PROVIDER_TIMEOUT_SECS", 30)

	providers := []models.ProviderConfig{
		{
			Name:         envStr("OPENAI_PROVIDER_NAME", "openai"),
			Kind:         "openai",
			Endpoint:     envStr("OPENAI_ENDPOINT", "https://api.openai.com/v1"),
			Model:        envStr("OPENAI_MODEL", "gpt-4o"),
			Capabilities: []string{models.CapCodeGen, models.CapAnalysis, models.CapChat, models.CapVision},
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			RPMLimit:     envInt("OPENAI_RPM_LIMIT", 60),
			TimeoutSecs:  timeout,
		},
		{
			Name:         envStr("ANTHROPIC_PROVIDER_NAME", "anthropic"),
			Kind:         "anthropic",
			Endpoint:     envStr("ANTHROPIC_ENDPOINT", "https://api.anthropic.com"),
			Model:        envStr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			Capabilities: []string{models.CapCodeGen, models.CapAnalysis, models.CapChat, models.CapVision},
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			RPMLimit:     envInt("ANTHROPIC_RPM_LIMIT", 50),
			TimeoutSecs:  timeout,
		},
		{
			Name:         envStr("GEMINI_PROVIDER_NAME", "gemini"),
			Kind:         "gemini",
			Endpoint:     envStr("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com"),
			Model:        envStr("GEMINI_MODEL", "gemini-2.0-flash"),
			Capabilities: []string{models.CapCodeGen, models.CapAnalysis, models.CapChat, models.CapVision},
			APIKey:       os.Getenv("GEMINI_API_KEY"),
			RPMLimit:     envInt("GEMINI_RPM_LIMIT", 60),
			TimeoutSecs:  timeout,
		},
	}

	// Ollama needs no key; include it only when an endpoint is configured.
	if ep := os.Getenv("OLLAMA_ENDPOINT"); ep != "" {
		providers = append(providers, models.ProviderConfig{
			Name:         envStr("OLLAMA_PROVIDER_NAME", "ollama"),
			Kind:         "ollama",
			Endpoint:     ep,
			Model:        envStr("OLLAMA_MODEL", "llama3.1"),
			Capabilities: []string{models.CapCodeGen, models.CapChat},
			TimeoutSecs:  timeout,
		})
	}

	for i := range providers {
		providers[i].HasAPIKey = providers[i].APIKey != ""
	}
	return providers
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
